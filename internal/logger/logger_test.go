package logger_test

import (
	"bytes"
	"testing"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    logger.LogLevel
		wantErr bool
	}{
		{"debug", logger.DebugLevel, false},
		{"INFO", logger.InfoLevel, false},
		{"", logger.InfoLevel, false},
		{"warning", logger.WarnLevel, false},
		{"error", logger.ErrorLevel, false},
		{"loud", logger.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := logger.ParseLevel(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetLogLevel(logger.DebugLevel)
	t.Cleanup(func() { logger.SetLogLevel(logger.InfoLevel) })

	log := logger.Default().With("engine")
	log.Info().Str("channel", "sensor").Msg("recorded")

	out := buf.String()
	assert.Contains(t, out, `"component":"engine"`)
	assert.Contains(t, out, `"channel":"sensor"`)
	assert.Contains(t, out, `"message":"recorded"`)

	buf.Reset()
	log.ErrorWithCode(errors.New().New(errors.ErrInvalidHandle)).Msg("unregister failed")
	assert.Contains(t, buf.String(), `"error_code":"invalid_handle"`)
}
