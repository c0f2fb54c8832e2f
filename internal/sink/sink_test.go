package sink_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/schema"
	"codeberg.org/mutker/tamer/internal/types"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

// sensors is a channel with the values of the sensor walkthrough: it
// records twice under v1, adds pressure and records twice under v2.
type sensors struct {
	ch          *channel.Channel
	temperature *channel.Cell[float32]
	active      *channel.Cell[bool]
}

func newSensors(t *testing.T) *sensors {
	t.Helper()
	s := &sensors{
		ch:          channel.New("sensors", types.NewCatalog()),
		temperature: channel.NewCell[float32](20),
		active:      channel.NewCell(true),
	}
	_, err := s.ch.Register("temperature", types.Float32, s.temperature)
	require.NoError(t, err)
	_, err = s.ch.Register("active", types.Bool, s.active)
	require.NoError(t, err)
	return s
}

func (s *sensors) record(t *testing.T, sinks ...channel.Sink) {
	t.Helper()
	ctx := context.Background()
	for _, k := range sinks {
		s.ch.AddSink(k)
	}

	require.NoError(t, s.ch.Record(ctx, epoch))
	s.temperature.Set(21)
	require.NoError(t, s.ch.Record(ctx, epoch.Add(time.Second)))

	_, err := s.ch.Register("pressure", types.Float64, channel.NewCell(1013.25))
	require.NoError(t, err)
	require.NoError(t, s.ch.Record(ctx, epoch.Add(2*time.Second)))
	s.active.Set(false)
	require.NoError(t, s.ch.Record(ctx, epoch.Add(3*time.Second)))
}

func wantRecords() []schema.Record {
	return []schema.Record{
		{Timestamp: epoch, Channel: "sensors", Version: 1, Values: []schema.Value{
			{Name: "temperature", Value: float32(20)},
			{Name: "active", Value: true},
		}},
		{Timestamp: epoch.Add(time.Second), Channel: "sensors", Version: 1, Values: []schema.Value{
			{Name: "temperature", Value: float32(21)},
			{Name: "active", Value: true},
		}},
		{Timestamp: epoch.Add(2 * time.Second), Channel: "sensors", Version: 2, Values: []schema.Value{
			{Name: "temperature", Value: float32(21)},
			{Name: "active", Value: true},
			{Name: "pressure", Value: 1013.25},
		}},
		{Timestamp: epoch.Add(3 * time.Second), Channel: "sensors", Version: 2, Values: []schema.Value{
			{Name: "temperature", Value: float32(21)},
			{Name: "active", Value: false},
			{Name: "pressure", Value: 1013.25},
		}},
	}
}

// requireRecords compares decoded records; timestamps are compared by
// instant since decoding drops the monotonic reading and location.
func requireRecords(t *testing.T, want, got []schema.Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "record %d timestamp", i)
		got[i].Timestamp = want[i].Timestamp
	}
	require.Equal(t, want, got)
}

func testLogger() logger.Logger {
	return logger.Default().With("sink_test")
}
