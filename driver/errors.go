package driver

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfDeviceMemory is returned when a device memory allocation fails for lack of space
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrOutOfHostMemory is returned when the driver could not allocate host memory
	ErrOutOfHostMemory = errors.New("out of host memory")
	// ErrDeviceLost is returned once the device has been lost. No further work can be submitted.
	ErrDeviceLost = errors.New("device lost")
	// ErrInitializationFailed is returned when an object could not be created for
	// implementation-specific reasons
	ErrInitializationFailed = errors.New("initialization failed")
)
