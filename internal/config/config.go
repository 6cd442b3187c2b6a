package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/farouk15160/edgeconnect/internal/fsutil"
)

// ErrSettingNotConfigured is returned for a key that has neither a stored
// value nor a default.
var ErrSettingNotConfigured = errors.New("setting not configured")

// ErrUnknownKey is returned for a key the store does not know about.
var ErrUnknownKey = errors.New("unknown setting")

// Key is the symbolic, dotted name of one setting.
type Key string

const (
	DeviceIDKey       Key = "device.id"
	DeviceTypeKey     Key = "device.type"
	DeviceCertPathKey Key = "device.cert.path"
	DeviceKeyPathKey  Key = "device.key.path"

	C8yURLKey                Key = "c8y.url"
	C8yRootCertPathKey       Key = "c8y.root.cert.path"
	C8ySmartRestTemplatesKey Key = "c8y.smartrest.templates"

	AzureURLKey          Key = "az.url"
	AzureRootCertPathKey Key = "az.root.cert.path"

	MQTTPortKey                  Key = "mqtt.port"
	MQTTBindAddressKey           Key = "mqtt.bind_address"
	MQTTExternalPortKey          Key = "mqtt.external.port"
	MQTTExternalBindAddressKey   Key = "mqtt.external.bind_address"
	MQTTExternalBindInterfaceKey Key = "mqtt.external.bind_interface"
	MQTTExternalCAPathKey        Key = "mqtt.external.capath"
	MQTTExternalCertFileKey      Key = "mqtt.external.certfile"
	MQTTExternalKeyFileKey       Key = "mqtt.external.keyfile"
)

// Reader is the read side of the settings store.
type Reader interface {
	Get(key Key) (string, error)
}

// Settings mirrors the YAML document on disk.
type Settings struct {
	Device DeviceSettings `yaml:"device,omitempty"`
	C8y    C8ySettings    `yaml:"c8y,omitempty"`
	Azure  AzureSettings  `yaml:"az,omitempty"`
	MQTT   MQTTSettings   `yaml:"mqtt,omitempty"`
}

type DeviceSettings struct {
	ID       string `yaml:"id,omitempty"`
	Type     string `yaml:"type,omitempty"`
	CertPath string `yaml:"cert_path,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty"`
}

type C8ySettings struct {
	URL                string `yaml:"url,omitempty"`
	RootCertPath       string `yaml:"root_cert_path,omitempty"`
	SmartRestTemplates string `yaml:"smartrest_templates,omitempty"`
}

type AzureSettings struct {
	URL          string `yaml:"url,omitempty"`
	RootCertPath string `yaml:"root_cert_path,omitempty"`
}

type MQTTSettings struct {
	Port        string               `yaml:"port,omitempty"`
	BindAddress string               `yaml:"bind_address,omitempty"`
	External    ExternalMQTTSettings `yaml:"external,omitempty"`
}

type ExternalMQTTSettings struct {
	Port          string `yaml:"port,omitempty"`
	BindAddress   string `yaml:"bind_address,omitempty"`
	BindInterface string `yaml:"bind_interface,omitempty"`
	CAPath        string `yaml:"capath,omitempty"`
	CertFile      string `yaml:"certfile,omitempty"`
	KeyFile       string `yaml:"keyfile,omitempty"`
}

type field struct {
	ref    func(*Settings) *string
	def    string
	isPort bool
}

var fields = map[Key]field{
	DeviceIDKey:       {ref: func(s *Settings) *string { return &s.Device.ID }},
	DeviceTypeKey:     {ref: func(s *Settings) *string { return &s.Device.Type }, def: "thin-edge.io"},
	DeviceCertPathKey: {ref: func(s *Settings) *string { return &s.Device.CertPath }},
	DeviceKeyPathKey:  {ref: func(s *Settings) *string { return &s.Device.KeyPath }},

	C8yURLKey:                {ref: func(s *Settings) *string { return &s.C8y.URL }},
	C8yRootCertPathKey:       {ref: func(s *Settings) *string { return &s.C8y.RootCertPath }, def: DefaultRootCertPath},
	C8ySmartRestTemplatesKey: {ref: func(s *Settings) *string { return &s.C8y.SmartRestTemplates }, def: ""},

	AzureURLKey:          {ref: func(s *Settings) *string { return &s.Azure.URL }},
	AzureRootCertPathKey: {ref: func(s *Settings) *string { return &s.Azure.RootCertPath }, def: DefaultRootCertPath},

	MQTTPortKey:                  {ref: func(s *Settings) *string { return &s.MQTT.Port }, def: "1883", isPort: true},
	MQTTBindAddressKey:           {ref: func(s *Settings) *string { return &s.MQTT.BindAddress }, def: "127.0.0.1"},
	MQTTExternalPortKey:          {ref: func(s *Settings) *string { return &s.MQTT.External.Port }, isPort: true},
	MQTTExternalBindAddressKey:   {ref: func(s *Settings) *string { return &s.MQTT.External.BindAddress }},
	MQTTExternalBindInterfaceKey: {ref: func(s *Settings) *string { return &s.MQTT.External.BindInterface }},
	MQTTExternalCAPathKey:        {ref: func(s *Settings) *string { return &s.MQTT.External.CAPath }},
	MQTTExternalCertFileKey:      {ref: func(s *Settings) *string { return &s.MQTT.External.CertFile }},
	MQTTExternalKeyFileKey:       {ref: func(s *Settings) *string { return &s.MQTT.External.KeyFile }},
}

// hasDefault marks keys whose empty default is still a valid value.
var hasDefault = map[Key]bool{
	C8ySmartRestTemplatesKey: true,
}

// Store is the YAML-backed settings store.
type Store struct {
	path     string
	settings Settings
}

// LoadConfig reads the settings document at path. A missing file yields an
// empty store that Save will create.
func LoadConfig(path string) (*Store, error) {
	store := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		zap.S().Debugf("Settings file %s does not exist yet, starting with defaults", path)
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file '%s': %w", path, err)
	}

	if err := yaml.Unmarshal(data, &store.settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings file '%s': %w", path, err)
	}
	return store, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Get returns the stored value for key, falling back to its default.
func (s *Store) Get(key Key) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if v := *f.ref(&s.settings); v != "" {
		return v, nil
	}
	if f.def != "" || hasDefault[key] {
		return f.def, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSettingNotConfigured, key)
}

// Set stores value under key. Port keys must hold a valid TCP port.
func (s *Store) Set(key Key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if f.isPort {
		if _, err := ParsePort(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	*f.ref(&s.settings) = strings.TrimSpace(value)
	return nil
}

// Unset removes the stored value for key so the default applies again.
func (s *Store) Unset(key Key) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	*f.ref(&s.settings) = ""
	return nil
}

// Save writes the document back to disk.
func (s *Store) Save() error {
	data, err := yaml.Marshal(&s.settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := fsutil.WriteAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	zap.S().Debugf("Settings saved to %s", s.path)
	return nil
}

// Keys lists every known key in lexical order.
func Keys() []Key {
	keys := make([]Key, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ParsePort parses a TCP port number.
func ParsePort(value string) (uint16, error) {
	port, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("'%s' is not a valid port", value)
	}
	return uint16(port), nil
}

// GetPort reads key and parses it as a port.
func GetPort(r Reader, key Key) (uint16, error) {
	v, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	port, err := ParsePort(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return port, nil
}
