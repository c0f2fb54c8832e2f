package channel_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/schema"
	"codeberg.org/mutker/tamer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps every schema and a clone of every frame it receives.
type recorder struct {
	name string

	mu      sync.Mutex
	schemas []*schema.Schema
	frames  []schema.Frame
	book    *schema.Book

	failSchema error
	failFrame  error
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, book: schema.NewBook()}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnSchema(_ context.Context, s *schema.Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSchema != nil {
		return r.failSchema
	}
	r.schemas = append(r.schemas, s)
	r.book.Add(s)
	return nil
}

func (r *recorder) OnFrame(_ context.Context, f schema.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFrame != nil {
		return r.failFrame
	}
	r.frames = append(r.frames, f.Clone())
	return nil
}

func (r *recorder) versions() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.schemas))
	for i, s := range r.schemas {
		out[i] = s.Version
	}
	return out
}

func newSensors(t *testing.T, opts ...channel.Option) (*channel.Channel, *channel.Cell[float32], *channel.Cell[bool]) {
	t.Helper()
	c := channel.New("sensors", types.NewCatalog(), opts...)

	temperature := channel.NewCell[float32](21.5)
	active := channel.NewCell(true)

	_, err := c.Register("temperature", types.Float32, temperature)
	require.NoError(t, err)
	_, err = c.Register("active", types.Bool, active)
	require.NoError(t, err)

	return c, temperature, active
}

func TestSensorScenario(t *testing.T) {
	ctx := context.Background()
	c, temperature, _ := newSensors(t)
	sink := newRecorder("memory")
	c.AddSink(sink)

	ts := time.Unix(1700000000, 0)
	require.NoError(t, c.Record(ctx, ts))

	v1 := c.Schema()
	assert.Equal(t, uint32(1), v1.Version)
	require.Len(t, v1.Fields, 2)
	assert.Equal(t, "temperature", v1.Fields[0].Name)
	assert.Equal(t, "active", v1.Fields[1].Name)
	assert.Equal(t, schema.HeaderSize+5, v1.FrameSize())
	assert.Equal(t, 5, v1.PayloadSize)

	pressure := channel.NewCell[float32](101.3)
	_, err := c.Register("pressure", types.Float32, pressure)
	require.NoError(t, err)
	temperature.Set(22)

	require.NoError(t, c.Record(ctx, ts.Add(time.Second)))

	v2 := c.Schema()
	assert.Equal(t, uint32(2), v2.Version)
	assert.NotEqual(t, v1.Hash, v2.Hash)
	assert.Equal(t, []uint32{1, 2}, sink.versions())

	require.Len(t, sink.frames, 2)
	assert.Len(t, sink.frames[0].Data, v1.FrameSize())
	assert.Len(t, sink.frames[1].Data, v2.FrameSize())

	first, err := sink.book.Decode("sensors", sink.frames[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first.Version)
	assert.Equal(t, []schema.Value{
		{Name: "temperature", Value: float32(21.5)},
		{Name: "active", Value: true},
	}, first.Values)

	second, err := sink.book.Decode("sensors", sink.frames[1].Data)
	require.NoError(t, err)
	assert.Equal(t, []schema.Value{
		{Name: "temperature", Value: float32(22)},
		{Name: "active", Value: true},
		{Name: "pressure", Value: float32(101.3)},
	}, second.Values)
	assert.Equal(t, 9, v2.PayloadSize)
	assert.True(t, second.Timestamp.Equal(ts.Add(time.Second)))
}

func TestRegistrationOrderDefinesLayout(t *testing.T) {
	catalog := types.NewCatalog()

	a := channel.New("order", catalog)
	_, err := a.Register("x", types.Int32, channel.NewCell[int32](0))
	require.NoError(t, err)
	_, err = a.Register("y", types.Float64, channel.NewCell[float64](0))
	require.NoError(t, err)

	b := channel.New("order", catalog)
	_, err = b.Register("y", types.Float64, channel.NewCell[float64](0))
	require.NoError(t, err)
	_, err = b.Register("x", types.Int32, channel.NewCell[int32](0))
	require.NoError(t, err)

	sa, sb := a.Schema(), b.Schema()
	assert.Equal(t, "x", sa.Fields[0].Name)
	assert.Equal(t, 4, sa.Fields[1].Offset)
	assert.Equal(t, "y", sb.Fields[0].Name)
	assert.Equal(t, 8, sb.Fields[1].Offset)
	assert.NotEqual(t, sa.Hash, sb.Hash)
	assert.Equal(t, sa.PayloadSize, sb.PayloadSize)
}

func TestSnapshotIsIdempotent(t *testing.T) {
	c, _, _ := newSensors(t)
	ts := time.Unix(42, 0)

	first := c.Snapshot(ts)
	data := append([]byte(nil), first.Data...)
	first.Release()

	second := c.Snapshot(ts)
	defer second.Release()

	assert.Equal(t, data, second.Data)
	assert.Equal(t, uint32(1), second.Version())
}

func TestSnapshotRoundTrip(t *testing.T) {
	type pose struct {
		X, Y  float64
		Valid bool
		Count uint16
	}

	catalog := types.NewCatalog()
	_, err := catalog.Composite("pose",
		types.FieldSpec{Name: "x", Type: types.Float64},
		types.FieldSpec{Name: "y", Type: types.Float64},
		types.FieldSpec{Name: "valid", Type: types.Bool},
		types.FieldSpec{Name: "count", Type: types.Uint16},
	)
	require.NoError(t, err)

	c := channel.New("robot", catalog)
	p := channel.NewCell(pose{X: 1.5, Y: -2, Valid: true, Count: 7})
	_, err = c.Register("pose", "pose", p)
	require.NoError(t, err)

	var id [4]byte
	copy(id[:], "r2d2")
	_, err = c.Register("id", types.BytesID(4), channel.Stable(&id))
	require.NoError(t, err)

	var speed int64 = -300
	_, err = c.Register("speed", types.Int64, channel.Stable(&speed))
	require.NoError(t, err)

	frame := c.Snapshot(time.Unix(0, 99))
	defer frame.Release()

	rec, err := frame.Schema.Decode(frame.Data)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(0, 99).UnixNano(), rec.Timestamp.UnixNano())
	assert.Equal(t, []schema.Value{
		{Name: "pose/x", Value: 1.5},
		{Name: "pose/y", Value: float64(-2)},
		{Name: "pose/valid", Value: true},
		{Name: "pose/count", Value: uint16(7)},
		{Name: "id", Value: []byte("r2d2")},
		{Name: "speed", Value: int64(-300)},
	}, rec.Flatten())
}

func TestStableSourceReadsLiveMemory(t *testing.T) {
	c := channel.New("live", types.NewCatalog())
	var counter uint32 = 1
	_, err := c.Register("counter", types.Uint32, channel.Stable(&counter))
	require.NoError(t, err)

	f := c.Snapshot(time.Now())
	rec, err := f.Schema.Decode(f.Data)
	require.NoError(t, err)
	f.Release()
	assert.Equal(t, []schema.Value{{Name: "counter", Value: uint32(1)}}, rec.Values)

	counter = 5
	f = c.Snapshot(time.Now())
	rec, err = f.Schema.Decode(f.Data)
	require.NoError(t, err)
	f.Release()
	assert.Equal(t, []schema.Value{{Name: "counter", Value: uint32(5)}}, rec.Values)
}

func TestRegisterErrors(t *testing.T) {
	c, _, _ := newSensors(t)
	before := c.Schema()

	tests := []struct {
		name   string
		value  string
		typeID string
		src    channel.Source
		code   errors.ErrorCode
	}{
		{"duplicate", "temperature", types.Float32, channel.NewCell[float32](0), errors.ErrDuplicateName},
		{"unknown type", "rpm", "quaternion", channel.NewCell[float32](0), errors.ErrUnknownType},
		{"size mismatch", "rpm", types.Float64, channel.NewCell[float32](0), errors.ErrSourceMismatch},
		{"kind mismatch", "rpm", types.Float32, channel.NewCell[int32](7), errors.ErrSourceMismatch},
		{"signedness mismatch", "rpm", types.Uint16, channel.Stable(new(int16)), errors.ErrSourceMismatch},
		{"nil source", "rpm", types.Float64, nil, errors.ErrSourceMismatch},
		{"empty name", "", types.Float32, channel.NewCell[float32](0), errors.ErrInvalidName},
		{"whitespace name", "engine rpm", types.Float32, channel.NewCell[float32](0), errors.ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := c.Register(tt.value, tt.typeID, tt.src)
			require.Error(t, err)
			assert.Nil(t, h)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}

	after := c.Schema()
	assert.Same(t, before, after)
	assert.Equal(t, 2, c.Len())
}

func TestDuplicateNameWhileDisabled(t *testing.T) {
	c, _, _ := newSensors(t)
	h, ok := c.Lookup("active")
	require.True(t, ok)
	require.NoError(t, h.SetEnabled(false))

	_, err := c.Register("active", types.Bool, channel.NewCell(false))
	assert.True(t, errors.HasCode(err, errors.ErrDuplicateName))
}

func TestUnregister(t *testing.T) {
	c, _, _ := newSensors(t)
	assert.Equal(t, uint32(1), c.Schema().Version)

	extra, err := c.Register("pressure", types.Float64, channel.NewCell(1.0))
	require.NoError(t, err)
	v2 := c.Schema()
	assert.Equal(t, uint32(2), v2.Version)

	require.NoError(t, extra.Unregister())
	v3 := c.Schema()
	assert.Equal(t, uint32(3), v3.Version)
	assert.False(t, extra.Registered())
	_, ok := c.Lookup("pressure")
	assert.False(t, ok)

	err = c.Unregister(extra)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidHandle))
	err = extra.SetEnabled(true)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidHandle))

	other := channel.New("other", types.NewCatalog())
	h, ok := c.Lookup("temperature")
	require.True(t, ok)
	assert.True(t, errors.HasCode(other.Unregister(h), errors.ErrInvalidHandle))
	assert.True(t, errors.HasCode(other.Unregister(nil), errors.ErrInvalidHandle))

	// The name is free again and the next version is fresh.
	_, err = c.Register("pressure", types.Float64, channel.NewCell(2.0))
	require.NoError(t, err)
	v4 := c.Schema()
	assert.Equal(t, uint32(4), v4.Version)
	assert.Equal(t, v2.Hash, v4.Hash)
}

func TestPolicyCompact(t *testing.T) {
	c, _, _ := newSensors(t)
	assert.Equal(t, channel.PolicyCompact, c.Policy())
	h, _ := c.Lookup("temperature")
	v1 := c.Schema()

	require.NoError(t, h.SetEnabled(false))
	assert.False(t, h.Enabled())
	v2 := c.Schema()
	assert.Equal(t, uint32(2), v2.Version)
	require.Len(t, v2.Fields, 1)
	assert.Equal(t, "active", v2.Fields[0].Name)

	// Setting the current state is not a transition.
	require.NoError(t, h.SetEnabled(false))
	assert.Same(t, v2, c.Schema())

	require.NoError(t, h.SetEnabled(true))
	v3 := c.Schema()
	assert.Equal(t, uint32(3), v3.Version)
	assert.Equal(t, v1.Hash, v3.Hash)
}

func TestPolicyKeep(t *testing.T) {
	c, temperature, _ := newSensors(t, channel.WithPolicy(channel.PolicyKeep))
	h, _ := c.Lookup("temperature")
	v1 := c.Schema()
	temperature.Set(30)

	require.NoError(t, h.SetEnabled(false))
	assert.Same(t, v1, c.Schema())

	f := c.Snapshot(time.Now())
	defer f.Release()
	rec, err := f.Schema.Decode(f.Data)
	require.NoError(t, err)
	assert.Equal(t, []schema.Value{
		{Name: "temperature", Value: float32(0)},
		{Name: "active", Value: true},
	}, rec.Values)
}

func TestParsePolicy(t *testing.T) {
	p, err := channel.ParsePolicy("keep")
	require.NoError(t, err)
	assert.Equal(t, channel.PolicyKeep, p)
	assert.Equal(t, "keep", p.String())

	p, err = channel.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, channel.PolicyCompact, p)

	_, err = channel.ParsePolicy("sometimes")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestCellSingleOwner(t *testing.T) {
	cell := channel.NewCell[int32](3)
	a := channel.New("a", types.NewCatalog())
	b := channel.New("b", types.NewCatalog())

	h, err := a.Register("v", types.Int32, cell)
	require.NoError(t, err)

	_, err = b.Register("v", types.Int32, cell)
	assert.True(t, errors.HasCode(err, errors.ErrSourceMismatch))
	assert.Equal(t, 0, b.Len())

	require.NoError(t, h.Unregister())
	_, err = b.Register("v", types.Int32, cell)
	require.NoError(t, err)

	cell.Update(func(v *int32) { *v *= 2 })
	assert.Equal(t, int32(6), cell.Get())
}

func TestSchemaAnnouncedOncePerSink(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSensors(t)
	early := newRecorder("early")
	c.AddSink(early)
	c.AddSink(early)
	assert.Len(t, c.Sinks(), 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Record(ctx, time.Now()))
	}

	late := newRecorder("late")
	c.AddSink(late)
	require.NoError(t, c.Record(ctx, time.Now()))

	assert.Equal(t, []uint32{1}, early.versions())
	assert.Equal(t, []uint32{1}, late.versions())
	assert.Len(t, early.frames, 4)
	assert.Len(t, late.frames, 1)

	assert.True(t, c.RemoveSink(early))
	assert.False(t, c.RemoveSink(early))
	require.NoError(t, c.Record(ctx, time.Now()))
	assert.Len(t, early.frames, 4)
	assert.Len(t, late.frames, 2)
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSensors(t)

	boom := stderrors.New("disk full")
	broken := newRecorder("broken")
	broken.failFrame = boom
	healthy := newRecorder("healthy")
	c.AddSink(broken)
	c.AddSink(healthy)

	err := c.Record(ctx, time.Now())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSinkDelivery))
	assert.ErrorIs(t, err, boom)

	var delivery *channel.DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, "sensors", delivery.Channel)
	assert.Equal(t, uint32(1), delivery.Version)
	require.Len(t, delivery.Failures, 1)
	assert.Equal(t, "broken", delivery.Failures[0].Sink)
	assert.Equal(t, "frame", delivery.Failures[0].Stage)

	assert.Len(t, healthy.frames, 1)
	assert.Equal(t, []uint32{1}, healthy.versions())
}

func TestRejectedSchemaIsAnnouncedAgain(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newSensors(t)
	flaky := newRecorder("flaky")
	flaky.failSchema = stderrors.New("offline")
	c.AddSink(flaky)

	err := c.Record(ctx, time.Now())
	var delivery *channel.DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, "schema", delivery.Failures[0].Stage)
	assert.Empty(t, flaky.frames)

	flaky.mu.Lock()
	flaky.failSchema = nil
	flaky.mu.Unlock()

	require.NoError(t, c.Record(ctx, time.Now()))
	assert.Equal(t, []uint32{1}, flaky.versions())
	assert.Len(t, flaky.frames, 1)
}

func TestRecordWithoutSinks(t *testing.T) {
	c, _, _ := newSensors(t)
	assert.NoError(t, c.Record(context.Background(), time.Now()))
}

func TestConcurrentRegisterAndSnapshot(t *testing.T) {
	const (
		registrars   = 8
		perRegistrar = 25
		snapshotters = 4
	)

	c := channel.New("busy", types.NewCatalog())
	sink := newRecorder("memory")
	c.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writers sync.WaitGroup
	for r := 0; r < registrars; r++ {
		writers.Add(1)
		go func(r int) {
			defer writers.Done()
			for i := 0; i < perRegistrar; i++ {
				cell := channel.NewCell(uint64(i))
				_, err := c.Register(fmt.Sprintf("r%d_v%d", r, i), types.Uint64, cell)
				assert.NoError(t, err)
				cell.Set(uint64(i + 1))
			}
		}(r)
	}

	var readers sync.WaitGroup
	for s := 0; s < snapshotters; s++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				f := c.Snapshot(time.Now())
				assert.Len(t, f.Data, f.Schema.FrameSize())
				assert.Equal(t, f.Schema.Version, f.Version())
				f.Release()
				assert.NoError(t, c.Record(ctx, time.Now()))
			}
		}()
	}

	writers.Wait()
	cancel()
	readers.Wait()

	final := c.Schema()
	assert.Len(t, final.Fields, registrars*perRegistrar)
	assert.Equal(t, registrars*perRegistrar*8, final.PayloadSize)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, f := range sink.frames {
		s, ok := sink.book.Lookup("busy", f.Version())
		require.True(t, ok)
		assert.Len(t, f.Data, s.FrameSize())
		_, err := s.Decode(f.Data)
		assert.NoError(t, err)
	}
}

func TestRegisterAcceptsNamedKinds(t *testing.T) {
	type celsius float32

	c := channel.New("named", types.NewCatalog())
	_, err := c.Register("temperature", types.Float32, channel.NewCell(celsius(36.6)))
	require.NoError(t, err)

	f := c.Snapshot(time.Unix(0, 1))
	defer f.Release()
	rec, err := f.Schema.Decode(f.Data)
	require.NoError(t, err)
	assert.Equal(t, []schema.Value{{Name: "temperature", Value: float32(36.6)}}, rec.Values)
}

func TestSchemaKeptWhenLayoutUnchanged(t *testing.T) {
	c, _, _ := newSensors(t)
	v1 := c.Schema()

	h, err := c.Register("pressure", types.Float32, channel.NewCell[float32](0))
	require.NoError(t, err)
	require.NoError(t, h.Unregister())

	assert.Same(t, v1, c.Schema())
}

func TestRegisterArray(t *testing.T) {
	c := channel.New("arm", types.NewCatalog())
	var joints [3]float64
	joints[0], joints[1], joints[2] = 0.5, -1, 2.25

	handles, err := channel.RegisterArray(c, "joint", types.Float64, joints[:])
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, "joint[2]", handles[2].Name())

	torques := []int16{10, -20}
	_, err = channel.RegisterArray(c, "torque", types.Int16, torques)
	require.NoError(t, err)

	joints[1] = 1.75
	f := c.Snapshot(time.Unix(0, 5))
	defer f.Release()
	assert.Equal(t, uint32(1), f.Version())

	rec, err := f.Schema.Decode(f.Data)
	require.NoError(t, err)
	assert.Equal(t, []schema.Value{
		{Name: "joint[0]", Value: 0.5},
		{Name: "joint[1]", Value: 1.75},
		{Name: "joint[2]", Value: 2.25},
		{Name: "torque[0]", Value: int16(10)},
		{Name: "torque[1]", Value: int16(-20)},
	}, rec.Values)

	handles, err = channel.RegisterArray[float64](c, "empty", types.Float64, nil)
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestRegisterArrayIsAllOrNothing(t *testing.T) {
	c := channel.New("arm", types.NewCatalog())
	_, err := c.Register("joint[1]", types.Float64, channel.NewCell(0.0))
	require.NoError(t, err)

	_, err = channel.RegisterArray(c, "joint", types.Float64, make([]float64, 3))
	assert.True(t, errors.HasCode(err, errors.ErrDuplicateName))
	assert.Equal(t, 1, c.Len())

	_, err = channel.RegisterArray(c, "flags", types.Float64, make([]float32, 2))
	assert.True(t, errors.HasCode(err, errors.ErrSourceMismatch))
	assert.Equal(t, 1, c.Len())
}

func TestSnapshotDoesNotAllocate(t *testing.T) {
	if raceEnabled {
		t.Skip("sync.Pool does not keep buffers under the race detector")
	}

	c, temperature, _ := newSensors(t)
	_, err := c.Register("pressure", types.Float32, channel.NewCell[float32](101.3))
	require.NoError(t, err)
	ts := time.Unix(1700000000, 0)

	// Warm the pool and issue the schema.
	f := c.Snapshot(ts)
	f.Release()
	temperature.Set(22)

	allocs := testing.AllocsPerRun(1000, func() {
		f := c.Snapshot(ts)
		f.Release()
	})
	assert.Zero(t, allocs)
}
