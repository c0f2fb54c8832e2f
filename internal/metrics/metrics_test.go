package metrics_test

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/metrics"
	"codeberg.org/mutker/tamer/internal/schema"
	"codeberg.org/mutker/tamer/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejecting struct{}

func (rejecting) Name() string                                   { return "rejecting" }
func (rejecting) OnSchema(context.Context, *schema.Schema) error { return nil }
func (rejecting) OnFrame(context.Context, schema.Frame) error    { return stderrors.New("nope") }

type accepting struct{}

func (accepting) Name() string                                   { return "accepting" }
func (accepting) OnSchema(context.Context, *schema.Schema) error { return nil }
func (accepting) OnFrame(context.Context, schema.Frame) error    { return nil }

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	c := channel.New("imu", types.NewCatalog(), channel.WithObserver(m))
	_, err = c.Register("yaw", types.Float64, channel.NewCell(0.0))
	require.NoError(t, err)
	_, err = c.Register("ok", types.Bool, channel.NewCell(true))
	require.NoError(t, err)
	c.AddSink(accepting{})
	c.AddSink(rejecting{})

	for i := 0; i < 3; i++ {
		require.Error(t, c.Record(context.Background(), time.Now()))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchemaVersion.WithLabelValues("imu")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SchemaFields.WithLabelValues("imu")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.PayloadBytes.WithLabelValues("imu")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesCaptured.WithLabelValues("imu")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesDelivered.WithLabelValues("imu", "accepting")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DeliveryFailures.WithLabelValues("imu", "rejecting", "internal_error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CaptureDuration))

	_, err = metrics.NewMetrics(reg)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	m.FrameDelivered("gps", "file")

	srv := metrics.NewServer("127.0.0.1:0", reg, logger.Default())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `tamer_frames_delivered_total{channel="gps",sink="file"} 1`))

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	srv := metrics.NewServer("127.0.0.1:0", prometheus.NewRegistry(), logger.Default())
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))
}
