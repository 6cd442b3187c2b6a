// Package connect establishes and verifies the bridge between the local
// broker and a cloud.
package connect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/farouk15160/edgeconnect/internal/bridge"
	"github.com/farouk15160/edgeconnect/internal/cloud"
	"github.com/farouk15160/edgeconnect/internal/config"
	"github.com/farouk15160/edgeconnect/internal/logger"
	"github.com/farouk15160/edgeconnect/internal/mqtt"
	"github.com/farouk15160/edgeconnect/internal/service"
)

// SettleWait is how long the broker gets to come up after a restart before
// it is enabled at boot.
const SettleWait = 5 * time.Second

// agentBinary is the software management agent looked up on PATH.
const agentBinary = "tedge_agent"

// Settings is the part of the settings store the command needs.
type Settings interface {
	config.Reader
	Set(key config.Key, value string) error
	Save() error
}

// Prober verifies the bridge through the local broker.
type Prober interface {
	Check(ctx context.Context, ex mqtt.Exchange) (mqtt.Result, error)
	Fetch(ctx context.Context, ex mqtt.Exchange) (mqtt.Message, error)
}

// Command connects the device to one cloud.
type Command struct {
	Cloud    cloud.Profile
	Settings Settings
	Writer   *bridge.Writer
	Services service.Manager
	Prober   Prober

	SettleWait time.Duration
	Sleep      func(time.Duration)
	LookPath   func(file string) (string, error)
	Log        *zap.SugaredLogger
}

// New returns a Command with production timing and PATH lookup.
func New(profile cloud.Profile, settings Settings, writer *bridge.Writer, services service.Manager, prober Prober) *Command {
	return &Command{
		Cloud:      profile,
		Settings:   settings,
		Writer:     writer,
		Services:   services,
		Prober:     prober,
		SettleWait: SettleWait,
		Sleep:      time.Sleep,
		LookPath:   exec.LookPath,
		Log:        logger.For("connect"),
	}
}

// Execute creates the bridge, brings the broker up with it and then checks
// the connection. Every failure up to registration leaves the device
// untouched; every failure after the files were written removes the bridge
// file before it is returned. Once the broker is enabled the remaining steps
// only warn.
func (c *Command) Execute(ctx context.Context) error {
	c.Log.Infof("Checking if %s is available.", c.Services.Name())
	preflight := c.Services.CheckOperational(ctx)
	if preflight != nil {
		c.Log.Warnf("%s is not available: %v", c.Services.Name(), preflight)
	}

	c.Log.Info("Checking if configuration for requested bridge already exists.")
	if err := c.Writer.CheckAbsent(c.Cloud.Name(), c.Cloud.ConfigFileName()); err != nil {
		return err
	}

	spec, err := c.Cloud.BuildSpecification(c.Settings)
	if err != nil {
		return err
	}
	common, err := commonOptions(c.Settings)
	if err != nil {
		return err
	}

	c.Log.Info("Validating the bridge certificates.")
	if err := spec.Validate(); err != nil {
		return err
	}

	if registrar, ok := c.Cloud.(cloud.Registrar); ok {
		deviceType, err := c.Settings.Get(config.DeviceTypeKey)
		if err != nil {
			return err
		}
		c.Log.Infof("Creating the device in %s cloud.", c.Cloud.DisplayName())
		if err := registrar.Register(ctx, spec, deviceType); err != nil {
			return fmt.Errorf("%w: %w", ErrCloudRegistrationFailed, err)
		}
	}

	c.Log.Info("Saving configuration for requested bridge.")
	if err := c.Writer.Write(spec, common); err != nil {
		return c.rollback(spec, err)
	}
	c.persistDefaults(common)

	if preflight != nil {
		c.Log.Warnf("%s cloud bridge configured, but %s is not available. Restart %s manually.",
			c.Cloud.DisplayName(), c.Services.Name(), service.Mosquitto)
		return fmt.Errorf("%w: %w", ErrManualActionRequired, preflight)
	}

	c.Log.Infof("Restarting %s service.", service.Mosquitto)
	if err := c.Services.Restart(ctx, service.Mosquitto); err != nil {
		return c.rollback(spec, fmt.Errorf("%w: %w", ErrServiceRestartFailed, err))
	}

	c.Log.Infof("Awaiting %s to start. This may take up to %s.", service.Mosquitto, c.SettleWait)
	c.Sleep(c.SettleWait)

	c.Log.Infof("Persisting %s on reboot.", service.Mosquitto)
	if err := c.Services.Enable(ctx, service.Mosquitto); err != nil {
		return c.rollback(spec, fmt.Errorf("%w: %w", ErrServiceEnableFailed, err))
	}

	c.Log.Info("Successfully created bridge connection!")

	c.reportConnection(ctx)
	c.startMapper(ctx)
	if checker, ok := c.Cloud.(cloud.TenantChecker); ok {
		c.checkTenant(ctx, checker)
	}
	if spec.UseAgent {
		c.startAgent(ctx)
	}
	return nil
}

// CheckConnection only runs the probe against an existing bridge.
func (c *Command) CheckConnection(ctx context.Context) error {
	exists, err := c.Writer.Exists(c.Cloud.ConfigFileName())
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: no %s bridge configured at %s",
			ErrDeviceNotConnected, c.Cloud.DisplayName(), c.Writer.Path(c.Cloud.ConfigFileName()))
	}
	c.Log.Info("Sending packets to check connection. This may take up to 10 seconds.")
	result, err := c.Prober.Check(ctx, c.Cloud.Exchange())
	if err != nil {
		return err
	}
	if result != mqtt.Connected {
		return fmt.Errorf("connection check to %s cloud failed", c.Cloud.DisplayName())
	}
	c.Log.Infof("Connection check to %s cloud is successful.", c.Cloud.DisplayName())
	return nil
}

// rollback removes the bridge file and returns cause, joined with the
// cleanup error if the removal failed too.
func (c *Command) rollback(spec bridge.Specification, cause error) error {
	c.Log.Warnf("Removing %s after failure: %v", c.Writer.Path(spec.ConfigFileName), cause)
	if err := c.Writer.Cleanup(spec); err != nil {
		return multierr.Append(cause, fmt.Errorf("cleanup: %w", err))
	}
	return cause
}

// persistDefaults writes the effective defaults back so later runs and
// other tools see the values the bridge was built with.
func (c *Command) persistDefaults(common bridge.CommonOptions) {
	rootCert, err := c.Settings.Get(c.Cloud.RootCertKey())
	if err == nil {
		err = multierr.Combine(
			c.Settings.Set(c.Cloud.RootCertKey(), rootCert),
			c.Settings.Set(config.MQTTPortKey, fmt.Sprint(common.InternalPort)),
			c.Settings.Set(config.MQTTBindAddressKey, common.InternalBindAddress),
		)
	}
	if err == nil {
		err = c.Settings.Save()
	}
	if err != nil {
		c.Log.Warnf("Failed to persist default settings: %v", err)
	}
}

func (c *Command) reportConnection(ctx context.Context) {
	c.Log.Info("Sending packets to check connection. This may take up to 10 seconds.")
	result, err := c.Prober.Check(ctx, c.Cloud.Exchange())
	switch {
	case err != nil:
		c.Log.Warnf("Bridge has been configured, but connection check failed: %v", err)
	case result != mqtt.Connected:
		c.Log.Warn("Bridge has been configured, but connection check failed.")
	default:
		c.Log.Info("Connection check is successful.")
	}
}

func (c *Command) startMapper(ctx context.Context) {
	c.Log.Infof("Checking if %s is installed.", c.Cloud.MapperBinary())
	if _, err := c.LookPath(c.Cloud.MapperBinary()); err != nil {
		c.Log.Warnf("%s is not installed. Install it to translate %s messages.",
			c.Cloud.MapperBinary(), c.Cloud.DisplayName())
		return
	}
	c.Log.Infof("Starting %s service.", c.Cloud.MapperService())
	if err := c.Services.StartAndEnable(ctx, c.Cloud.MapperService()); err != nil {
		c.Log.Warnf("Failed to start %s: %v", c.Cloud.MapperService(), err)
	}
}

func (c *Command) checkTenant(ctx context.Context, checker cloud.TenantChecker) {
	configured, err := c.Settings.Get(c.Cloud.URLKey())
	if err != nil {
		c.Log.Warnf("Skipping tenant check: %v", err)
		return
	}
	connected, err := checker.ConnectedTenant(ctx, c.Prober)
	if err != nil {
		c.Log.Warnf("Failed to verify the connected tenant: %v", err)
		return
	}
	// Host names are case-insensitive.
	if !strings.EqualFold(cloud.HostOf(configured), connected) {
		c.Log.Warnf("Device is connected to %s, but the configured URL is %s.", connected, configured)
	}
}

func (c *Command) startAgent(ctx context.Context) {
	if _, err := c.LookPath(agentBinary); err != nil {
		c.Log.Infof("%s is not installed, skipping software management.", agentBinary)
		return
	}
	c.Log.Info("Enabling software management.")
	if err := c.Services.StartAndEnable(ctx, service.SoftwareAgent); err != nil {
		c.Log.Warnf("Failed to start %s: %v", service.SoftwareAgent, err)
	}
}

// commonOptions reads the local and optional external listener settings.
func commonOptions(settings config.Reader) (bridge.CommonOptions, error) {
	port, err := config.GetPort(settings, config.MQTTPortKey)
	if err != nil {
		return bridge.CommonOptions{}, err
	}
	bind, err := settings.Get(config.MQTTBindAddressKey)
	if err != nil {
		return bridge.CommonOptions{}, err
	}
	builder := bridge.NewCommonOptionsBuilder().WithInternalOpts(port, bind)

	external := bridge.ExternalListener{}
	external.Port, err = config.GetPort(settings, config.MQTTExternalPortKey)
	if err != nil && !errors.Is(err, config.ErrSettingNotConfigured) {
		return bridge.CommonOptions{}, err
	}
	for _, f := range []struct {
		key config.Key
		dst *string
	}{
		{config.MQTTExternalBindAddressKey, &external.BindAddress},
		{config.MQTTExternalBindInterfaceKey, &external.BindInterface},
		{config.MQTTExternalCAPathKey, &external.CAPath},
		{config.MQTTExternalCertFileKey, &external.CertFile},
		{config.MQTTExternalKeyFileKey, &external.KeyFile},
	} {
		v, err := settings.Get(f.key)
		if err != nil && !errors.Is(err, config.ErrSettingNotConfigured) {
			return bridge.CommonOptions{}, err
		}
		*f.dst = v
	}
	return builder.WithExternalOpts(external).Build(), nil
}
