// Package gpu samples NVIDIA GPU state through NVML into a channel.
package gpu

import (
	"context"
	"fmt"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/types"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// SampleType is the catalog identifier of Sample.
const SampleType = "gpu_sample"

// Sample is one reading of a device. Power values are in milliwatts.
type Sample struct {
	Temperature uint32
	FanSpeed    uint32
	PowerUsage  uint32
	PowerLimit  uint32
}

// RegisterSampleType adds the Sample layout to catalog.
func RegisterSampleType(catalog *types.Catalog) error {
	_, err := catalog.Composite(SampleType,
		types.FieldSpec{Name: "temperature", Type: types.Uint32},
		types.FieldSpec{Name: "fan_speed", Type: types.Uint32},
		types.FieldSpec{Name: "power_usage", Type: types.Uint32},
		types.FieldSpec{Name: "power_limit", Type: types.Uint32},
	)
	return err
}

type gpuDevice struct {
	index int
	dev   device
	fans  int
	cell  *channel.Cell[Sample]
}

// Probe reads every GPU on each Sample call and stores the readings in
// cells registered as "gpu<index>".
type Probe struct {
	ctl     nvmlController
	devices []*gpuDevice
	log     logger.Logger
}

// Open initializes NVML and discovers all devices.
func Open(log logger.Logger) (*Probe, error) {
	return open(&nvmlWrapper{}, log)
}

func open(ctl nvmlController, log logger.Logger) (*Probe, error) {
	if err := ctl.Initialize(); err != nil {
		return nil, err
	}

	count, err := ctl.GetDeviceCount()
	if err != nil {
		ctl.Shutdown()
		return nil, err
	}

	p := &Probe{ctl: ctl, log: log}
	for i := 0; i < count; i++ {
		dev, err := ctl.GetDevice(i)
		if err != nil {
			ctl.Shutdown()
			return nil, err
		}

		fans, ret := dev.GetNumFans()
		if !IsNVMLSuccess(ret) {
			fans = 0
			log.Debug().Int("index", i).Msg("Fan count not available")
		}

		if name, ret := dev.GetName(); IsNVMLSuccess(ret) {
			log.Info().Int("index", i).Str("name", name).Int("fans", fans).Msg("Detected GPU")
		}

		p.devices = append(p.devices, &gpuDevice{
			index: i,
			dev:   dev,
			fans:  fans,
			cell:  channel.NewCell(Sample{}),
		})
	}

	return p, nil
}

func (p *Probe) Name() string { return "gpu" }

// Register adds one value per device to c.
func (p *Probe) Register(c *channel.Channel) error {
	for _, d := range p.devices {
		if _, err := c.Register(fmt.Sprintf("gpu%d", d.index), SampleType, d.cell); err != nil {
			return err
		}
	}
	return nil
}

// Sample reads every device. A device that fails keeps its previous
// reading; the first error is returned.
func (p *Probe) Sample(context.Context) error {
	var first error
	for _, d := range p.devices {
		s, err := d.read()
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		d.cell.Set(s)
	}
	return first
}

func (d *gpuDevice) read() (Sample, error) {
	errFactory := errors.New()
	var s Sample

	temp, ret := d.dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return s, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}
	s.Temperature = temp

	if d.fans > 0 {
		speed, ret := d.dev.GetFanSpeed_v2(0)
		if !IsNVMLSuccess(ret) {
			return s, errFactory.Wrap(ErrGetFanSpeedFailed, newNVMLError(ret))
		}
		s.FanSpeed = speed
	}

	usage, ret := d.dev.GetPowerUsage()
	if !IsNVMLSuccess(ret) {
		return s, errFactory.Wrap(ErrPowerUsageFailed, newNVMLError(ret))
	}
	s.PowerUsage = usage

	limit, ret := d.dev.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return s, errFactory.Wrap(ErrPowerLimitFailed, newNVMLError(ret))
	}
	s.PowerLimit = limit

	return s, nil
}

// Close shuts NVML down.
func (p *Probe) Close() error {
	return p.ctl.Shutdown()
}
