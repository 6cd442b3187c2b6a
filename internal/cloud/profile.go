// Package cloud describes the cloud endpoints a device can be bridged to.
// Each profile carries its own file names, ports, topics and verification
// exchange so the connect flow itself stays the same for every cloud.
package cloud

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/farouk15160/edgeconnect/internal/bridge"
	"github.com/farouk15160/edgeconnect/internal/config"
	"github.com/farouk15160/edgeconnect/internal/mqtt"
	"github.com/farouk15160/edgeconnect/internal/service"
)

// MQTTTLSPort is the port cloud MQTT endpoints listen on.
const MQTTTLSPort uint16 = 8883

// Profile is one cloud variant.
type Profile interface {
	// Name is the short cloud name used in file and topic names.
	Name() string
	// DisplayName is the name shown to the operator.
	DisplayName() string
	ConfigFileName() string
	TLSPort() uint16
	// URLKey is the setting holding the cloud endpoint.
	URLKey() config.Key
	// RootCertKey is the setting holding the cloud root certificate path.
	RootCertKey() config.Key
	// BuildSpecification derives the bridge from settings. It performs no
	// I/O and fails with config.ErrSettingNotConfigured when a required
	// setting is missing.
	BuildSpecification(settings config.Reader) (bridge.Specification, error)
	// Exchange is the round trip that proves the bridge relays traffic.
	Exchange() mqtt.Exchange
	MapperService() service.Service
	MapperBinary() string
}

// Registrar is implemented by profiles that create the device in the cloud
// before the bridge exists.
type Registrar interface {
	Register(ctx context.Context, spec bridge.Specification, deviceType string) error
}

// Fetcher runs an exchange and returns the satisfying response.
type Fetcher interface {
	Fetch(ctx context.Context, ex mqtt.Exchange) (mqtt.Message, error)
}

// TenantChecker is implemented by profiles that can tell which tenant the
// bridge actually reached.
type TenantChecker interface {
	ConnectedTenant(ctx context.Context, f Fetcher) (string, error)
}

// New returns the profile for a cloud name.
func New(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case "c8y", "cumulocity":
		return NewC8y(), nil
	case "az", "azure":
		return NewAzure(), nil
	default:
		return nil, fmt.Errorf("unsupported cloud: %s (expected c8y or az)", name)
	}
}

// descriptor holds the static data every profile has.
type descriptor struct {
	name        string
	displayName string
	fileName    string
	tlsPort     uint16
	urlKey      config.Key
	rootCertKey config.Key
	exchange    mqtt.Exchange
	mapper      service.Service
	mapperBin   string
}

func (d descriptor) Name() string                   { return d.name }
func (d descriptor) DisplayName() string            { return d.displayName }
func (d descriptor) ConfigFileName() string         { return d.fileName }
func (d descriptor) TLSPort() uint16                { return d.tlsPort }
func (d descriptor) URLKey() config.Key             { return d.urlKey }
func (d descriptor) RootCertKey() config.Key        { return d.rootCertKey }
func (d descriptor) Exchange() mqtt.Exchange        { return d.exchange }
func (d descriptor) MapperService() service.Service { return d.mapper }
func (d descriptor) MapperBinary() string           { return d.mapperBin }

// deviceSettings are the settings every bridge needs.
type deviceSettings struct {
	url, rootCert, deviceID, cert, key string
}

func (d descriptor) readDeviceSettings(settings config.Reader) (deviceSettings, error) {
	var ds deviceSettings
	for _, f := range []struct {
		key config.Key
		dst *string
	}{
		{d.urlKey, &ds.url},
		{d.rootCertKey, &ds.rootCert},
		{config.DeviceIDKey, &ds.deviceID},
		{config.DeviceCertPathKey, &ds.cert},
		{config.DeviceKeyPathKey, &ds.key},
	} {
		v, err := settings.Get(f.key)
		if err != nil {
			return deviceSettings{}, err
		}
		*f.dst = v
	}
	ds.url = HostOf(ds.url)
	return ds, nil
}

// HostOf reduces a configured cloud URL to its host name, so
// "https://example.cumulocity.com/" and "example.cumulocity.com" match.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Hostname()
		}
	}
	host, _, _ := strings.Cut(raw, "/")
	return host
}
