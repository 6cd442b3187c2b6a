package connect

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/farouk15160/edgeconnect/internal/bridge"
	"github.com/farouk15160/edgeconnect/internal/cloud"
	"github.com/farouk15160/edgeconnect/internal/config"
	"github.com/farouk15160/edgeconnect/internal/mqtt"
	"github.com/farouk15160/edgeconnect/internal/service"
	"github.com/farouk15160/edgeconnect/internal/testutil"
)

// journal records the side effects of a run in order.
type journal struct {
	steps []string
}

func (j *journal) add(step string) { j.steps = append(j.steps, step) }

type fakeManager struct {
	journal     *journal
	unavailable bool
	restartErr  error
	enableErr   error
}

func (m *fakeManager) Name() string { return "fake" }

func (m *fakeManager) CheckOperational(context.Context) error {
	m.journal.add("check")
	if m.unavailable {
		return service.ErrServiceManagerUnavailable
	}
	return nil
}

func (m *fakeManager) Restart(_ context.Context, svc service.Service) error {
	m.journal.add("restart " + string(svc))
	return m.restartErr
}

func (m *fakeManager) Enable(_ context.Context, svc service.Service) error {
	m.journal.add("enable " + string(svc))
	return m.enableErr
}

func (m *fakeManager) StartAndEnable(_ context.Context, svc service.Service) error {
	m.journal.add("start " + string(svc))
	return nil
}

type fakeProber struct {
	journal *journal
	result  mqtt.Result
	err     error
	tenant  string
}

func (p *fakeProber) Check(_ context.Context, ex mqtt.Exchange) (mqtt.Result, error) {
	p.journal.add("probe " + ex.ClientID())
	return p.result, p.err
}

func (p *fakeProber) Fetch(_ context.Context, ex mqtt.Exchange) (mqtt.Message, error) {
	p.journal.add("fetch " + ex.ClientID())
	enc := base64.RawURLEncoding
	token := enc.EncodeToString([]byte(`{}`)) + "." + enc.EncodeToString([]byte(`{"iss":"`+p.tenant+`"}`)) + ".sig"
	return mqtt.Message{Topic: "c8y/s/dat", Payload: []byte("71," + token)}, nil
}

// registrationSession accepts the device creation request: the broker
// acknowledges it and the cloud reports no error.
type registrationSession struct {
	events chan mqtt.Event
}

func (s *registrationSession) Subscribe(string, byte) error {
	s.events <- mqtt.Event{Kind: mqtt.EventSubAck}
	return nil
}

func (s *registrationSession) Publish(string, byte, []byte) error {
	s.events <- mqtt.Event{Kind: mqtt.EventPubAck}
	s.events <- mqtt.Event{Kind: mqtt.EventPingReq}
	return nil
}

func (s *registrationSession) Events() <-chan mqtt.Event { return s.events }
func (s *registrationSession) Close()                    {}

type fixture struct {
	journal  *journal
	services *fakeManager
	prober   *fakeProber
	settings *config.Store
	dir      string
	cmd      *Command
}

func newFixture(t *testing.T, profile cloud.Profile) *fixture {
	t.Helper()
	root := t.TempDir()
	cert, key := testutil.WriteCertPair(t, root, "alpha")

	settings, err := config.LoadConfig(filepath.Join(root, config.SettingsFileName))
	require.NoError(t, err)
	for k, v := range map[config.Key]string{
		config.DeviceIDKey:          "alpha",
		config.DeviceCertPathKey:    cert,
		config.DeviceKeyPathKey:     key,
		config.C8yURLKey:            "https://example.cumulocity.com",
		config.C8yRootCertPathKey:   cert,
		config.AzureURLKey:          "myhub.azure-devices.net",
		config.AzureRootCertPathKey: cert,
	} {
		require.NoError(t, settings.Set(k, v))
	}

	j := &journal{}
	f := &fixture{
		journal:  j,
		services: &fakeManager{journal: j},
		prober:   &fakeProber{journal: j, result: mqtt.Connected, tenant: "https://example.cumulocity.com"},
		settings: settings,
		dir:      filepath.Join(root, config.BridgeConfDirName),
	}

	writer := bridge.NewWriter(f.dir)
	writer.WriteFile = func(path string, data []byte, perm os.FileMode) error {
		j.add("write " + filepath.Base(path))
		return os.WriteFile(path, data, perm)
	}
	require.NoError(t, os.MkdirAll(f.dir, 0o755))

	f.cmd = New(profile, settings, writer, f.services, f.prober)
	f.cmd.Sleep = func(d time.Duration) { j.add("sleep " + d.String()) }
	f.cmd.LookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	f.cmd.Log = zaptest.NewLogger(t).Sugar()
	return f
}

func c8yProfile(j *journal) *cloud.C8y {
	profile := cloud.NewC8y()
	profile.Dial = func(_ context.Context, opts mqtt.SessionOptions) (mqtt.Session, error) {
		j.add("register " + opts.Broker)
		return &registrationSession{events: make(chan mqtt.Event, 3)}, nil
	}
	return profile
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestConnectC8y(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	f.cmd.Cloud = c8yProfile(f.journal)

	require.NoError(t, f.cmd.Execute(context.Background()))

	bridgeConf := f.read(t, "c8y-bridge.conf")
	assert.Contains(t, bridgeConf, "address example.cumulocity.com:8883")
	assert.Contains(t, bridgeConf, "remote_clientid alpha")
	commonConf := f.read(t, bridge.CommonConfigFileName)
	assert.Contains(t, commonConf, "listener 1883 127.0.0.1")

	assert.Equal(t, []string{
		"check",
		"register ssl://example.cumulocity.com:8883",
		"write c8y-bridge.conf",
		"write " + bridge.CommonConfigFileName,
		"restart mosquitto",
		"sleep 5s",
		"enable mosquitto",
		"probe check_connection_c8y",
		"start tedge-mapper-c8y",
		"fetch get_jwt_token_c8y",
		"start tedge-agent",
	}, f.journal.steps)

	// Defaults were written back to the settings file.
	stored, err := config.LoadConfig(f.settings.Path())
	require.NoError(t, err)
	port, err := stored.Get(config.MQTTPortKey)
	require.NoError(t, err)
	assert.Equal(t, "1883", port)

	// A second run changes nothing.
	before := f.read(t, "c8y-bridge.conf")
	f.journal.steps = nil
	err = f.cmd.Execute(context.Background())
	assert.ErrorIs(t, err, bridge.ErrConfigurationExists)
	assert.Equal(t, []string{"check"}, f.journal.steps)
	assert.Equal(t, before, f.read(t, "c8y-bridge.conf"))
}

func TestConnectAzureSkipsRegistrationAndAgent(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())

	require.NoError(t, f.cmd.Execute(context.Background()))

	assert.Contains(t, f.read(t, "az-bridge.conf"), "remote_username myhub.azure-devices.net/alpha/?api-version=2018-06-30")
	assert.Equal(t, []string{
		"check",
		"write az-bridge.conf",
		"write " + bridge.CommonConfigFileName,
		"restart mosquitto",
		"sleep 5s",
		"enable mosquitto",
		"probe check_connection_az",
		"start tedge-mapper-az",
	}, f.journal.steps)
}

func TestConnectWithoutServiceManager(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	f.services.unavailable = true

	err := f.cmd.Execute(context.Background())
	assert.ErrorIs(t, err, ErrManualActionRequired)
	assert.ErrorIs(t, err, service.ErrServiceManagerUnavailable)

	f.read(t, "az-bridge.conf")
	f.read(t, bridge.CommonConfigFileName)
	for _, step := range f.journal.steps {
		assert.False(t, strings.HasPrefix(step, "restart") || strings.HasPrefix(step, "enable"), step)
	}
}

func TestConnectRollsBackOnServiceFailure(t *testing.T) {
	for name, tc := range map[string]struct {
		restartErr, enableErr error
		want                  error
	}{
		"restart": {restartErr: errors.New("unit failed"), want: ErrServiceRestartFailed},
		"enable":  {enableErr: errors.New("unit masked"), want: ErrServiceEnableFailed},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, cloud.NewAzure())
			f.services.restartErr = tc.restartErr
			f.services.enableErr = tc.enableErr

			err := f.cmd.Execute(context.Background())
			assert.ErrorIs(t, err, tc.want)
			assert.NoFileExists(t, filepath.Join(f.dir, "az-bridge.conf"))
			assert.NotContains(t, f.journal.steps, "probe check_connection_az")
		})
	}
}

func TestConnectRemovesBridgeFileWhenCommonWriteFails(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	write := f.cmd.Writer.WriteFile
	f.cmd.Writer.WriteFile = func(path string, data []byte, perm os.FileMode) error {
		if filepath.Base(path) == bridge.CommonConfigFileName {
			return errors.New("disk full")
		}
		return write(path, data, perm)
	}

	err := f.cmd.Execute(context.Background())
	assert.ErrorIs(t, err, bridge.ErrPersistFailed)
	assert.NoFileExists(t, filepath.Join(f.dir, "az-bridge.conf"))
	assert.NotContains(t, f.journal.steps, "restart mosquitto")
}

func TestConnectRejectsInvalidCertificate(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	require.NoError(t, f.settings.Set(config.DeviceKeyPathKey, filepath.Join(t.TempDir(), "missing.key")))

	err := f.cmd.Execute(context.Background())
	assert.ErrorIs(t, err, bridge.ErrInvalidCertificate)
	assert.Equal(t, []string{"check"}, f.journal.steps)
}

func TestConnectStopsOnRegistrationFailure(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	profile := cloud.NewC8y()
	profile.Dial = func(context.Context, mqtt.SessionOptions) (mqtt.Session, error) {
		return nil, errors.New("connection refused")
	}
	f.cmd.Cloud = profile

	err := f.cmd.Execute(context.Background())
	assert.ErrorIs(t, err, ErrCloudRegistrationFailed)
	assert.NoFileExists(t, filepath.Join(f.dir, "c8y-bridge.conf"))
	assert.Equal(t, []string{"check"}, f.journal.steps)
}

func TestConnectReportsMissingSetting(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	require.NoError(t, f.settings.Unset(config.AzureURLKey))

	err := f.cmd.Execute(context.Background())
	assert.ErrorIs(t, err, config.ErrSettingNotConfigured)
	assert.Equal(t, []string{"check"}, f.journal.steps)
}

func TestConnectToleratesFailedProbe(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())
	f.prober.result = mqtt.Unknown
	f.prober.err = mqtt.ErrProbeUnreachable

	require.NoError(t, f.cmd.Execute(context.Background()))
	assert.Contains(t, f.journal.steps, "start tedge-mapper-az")
}

func TestConnectSkipsMissingCompanions(t *testing.T) {
	f := newFixture(t, c8yProfile(&journal{}))
	f.cmd.LookPath = func(file string) (string, error) { return "", errors.New("not found") }

	require.NoError(t, f.cmd.Execute(context.Background()))
	for _, step := range f.journal.steps {
		assert.False(t, strings.HasPrefix(step, "start"), step)
	}
}

func TestCheckConnection(t *testing.T) {
	f := newFixture(t, cloud.NewAzure())

	err := f.cmd.CheckConnection(context.Background())
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
	assert.Empty(t, f.journal.steps)

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "az-bridge.conf"), []byte("connection edge_to_az\n"), 0o644))
	require.NoError(t, f.cmd.CheckConnection(context.Background()))
	assert.Equal(t, []string{"probe check_connection_az"}, f.journal.steps)

	f.prober.result = mqtt.Unknown
	assert.Error(t, f.cmd.CheckConnection(context.Background()))
}

func TestConnectWarnsOnTenantMismatch(t *testing.T) {
	for name, tc := range map[string]struct {
		tenant   string
		warnings int
	}{
		"other tenant":   {tenant: "https://other.cumulocity.com", warnings: 1},
		"same tenant":    {tenant: "https://EXAMPLE.Cumulocity.com/", warnings: 0},
		"issuer is host": {tenant: "example.cumulocity.com", warnings: 0},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, c8yProfile(&journal{}))
			f.prober.tenant = tc.tenant
			core, logs := observer.New(zapcore.WarnLevel)
			f.cmd.Log = zap.New(core).Sugar()

			require.NoError(t, f.cmd.Execute(context.Background()))
			mismatches := logs.FilterMessageSnippet("but the configured URL is")
			assert.Equal(t, tc.warnings, mismatches.Len())
			if tc.warnings > 0 {
				assert.Contains(t, mismatches.All()[0].Message, "other.cumulocity.com")
				assert.Contains(t, mismatches.All()[0].Message, "https://example.cumulocity.com")
			}
		})
	}
}
