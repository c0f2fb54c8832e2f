package gpu

import (
	"codeberg.org/mutker/tamer/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// device is the subset of nvml.Device the probe reads.
type device interface {
	GetName() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
}

// nvmlController abstracts NVML library lifecycle for testing
type nvmlController interface {
	Initialize() error
	Shutdown() error
	GetDeviceCount() (int, error)
	GetDevice(index int) (device, error)
}

type nvmlWrapper struct {
	initialized bool
}

func (w *nvmlWrapper) Initialize() error {
	if w.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrInitFailed, newNVMLError(ret))
	}

	w.initialized = true
	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	if !w.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	w.initialized = false
	return nil
}

func (w *nvmlWrapper) GetDeviceCount() (int, error) {
	errFactory := errors.New()
	if !w.initialized {
		return 0, errFactory.New(ErrNotInitialized)
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return 0, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	return count, nil
}

func (w *nvmlWrapper) GetDevice(index int) (device, error) {
	errFactory := errors.New()
	if !w.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	return dev, nil
}
