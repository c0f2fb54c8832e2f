package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "tamerctl.pid")

	require.NoError(t, pid.Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	err = pid.Write(path)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))

	require.NoError(t, pid.Remove(path))
	require.NoError(t, pid.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tamerctl.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))

	require.NoError(t, pid.Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}
