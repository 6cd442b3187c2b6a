package connect

import "errors"

var (
	// ErrCloudRegistrationFailed is returned when the device could not be
	// created in the cloud. Nothing has been written at that point.
	ErrCloudRegistrationFailed = errors.New("cloud registration failed")

	// ErrServiceRestartFailed is returned when the broker could not be
	// restarted. The bridge file has been removed.
	ErrServiceRestartFailed = errors.New("service restart failed")

	// ErrServiceEnableFailed is returned when the broker could not be
	// enabled at boot. The bridge file has been removed.
	ErrServiceEnableFailed = errors.New("service enable failed")

	// ErrManualActionRequired is returned when the configuration was
	// written but the service manager is unavailable, so the operator has
	// to restart the broker.
	ErrManualActionRequired = errors.New("manual action required")

	// ErrDeviceNotConnected is returned by the connection check when no
	// bridge has been configured for the cloud.
	ErrDeviceNotConnected = errors.New("device is not connected")
)
