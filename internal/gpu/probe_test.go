package gpu

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/schema"
	"codeberg.org/mutker/tamer/internal/types"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	temp     uint32
	tempRet  nvml.Return
	fans     int
	fanSpeed uint32
	usage    uint32
	limit    uint32
}

func (d *fakeDevice) GetName() (string, nvml.Return) { return "Fake RTX", nvml.SUCCESS }

func (d *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return d.temp, d.tempRet
}

func (d *fakeDevice) GetNumFans() (int, nvml.Return) { return d.fans, nvml.SUCCESS }

func (d *fakeDevice) GetFanSpeed_v2(int) (uint32, nvml.Return) { return d.fanSpeed, nvml.SUCCESS }

func (d *fakeDevice) GetPowerUsage() (uint32, nvml.Return) { return d.usage, nvml.SUCCESS }

func (d *fakeDevice) GetPowerManagementLimit() (uint32, nvml.Return) { return d.limit, nvml.SUCCESS }

type fakeController struct {
	devices  []*fakeDevice
	shutdown bool
}

func (c *fakeController) Initialize() error { return nil }

func (c *fakeController) Shutdown() error {
	c.shutdown = true
	return nil
}

func (c *fakeController) GetDeviceCount() (int, error) { return len(c.devices), nil }

func (c *fakeController) GetDevice(index int) (device, error) { return c.devices[index], nil }

func TestProbe(t *testing.T) {
	ctl := &fakeController{devices: []*fakeDevice{
		{temp: 61, fans: 2, fanSpeed: 45, usage: 180000, limit: 250000},
		{temp: 40, usage: 30000, limit: 150000},
	}}

	p, err := open(ctl, logger.Default())
	require.NoError(t, err)
	assert.Equal(t, "gpu", p.Name())

	catalog := types.NewCatalog()
	require.NoError(t, RegisterSampleType(catalog))
	c := channel.New("gpu", catalog)
	require.NoError(t, p.Register(c))

	require.NoError(t, p.Sample(context.Background()))

	f := c.Snapshot(time.Unix(1, 0))
	defer f.Release()
	rec, err := f.Schema.Decode(f.Data)
	require.NoError(t, err)

	assert.Equal(t, []string{"gpu0/temperature", "gpu0/fan_speed", "gpu0/power_usage", "gpu0/power_limit",
		"gpu1/temperature", "gpu1/fan_speed", "gpu1/power_usage", "gpu1/power_limit"}, names(rec.Flatten()))

	flat := rec.Flatten()
	assert.Equal(t, uint32(61), flat[0].Value)
	assert.Equal(t, uint32(45), flat[1].Value)
	assert.Equal(t, uint32(0), flat[5].Value)
	assert.Equal(t, uint32(150000), flat[7].Value)

	require.NoError(t, p.Close())
	assert.True(t, ctl.shutdown)
}

func TestProbeKeepsLastReadingOnFailure(t *testing.T) {
	dev := &fakeDevice{temp: 50, usage: 1, limit: 2}
	p, err := open(&fakeController{devices: []*fakeDevice{dev}}, logger.Default())
	require.NoError(t, err)
	require.NoError(t, p.Sample(context.Background()))

	dev.temp = 99
	dev.tempRet = nvml.ERROR_GPU_IS_LOST
	err = p.Sample(context.Background())
	assert.True(t, errors.HasCode(err, ErrTemperatureReadFailed))
	assert.Equal(t, uint32(50), p.devices[0].cell.Get().Temperature)
}

func names(values []schema.Value) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.Name
	}
	return out
}
