package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/farouk15160/edgeconnect/internal/bridge"
	"github.com/farouk15160/edgeconnect/internal/config"
	"github.com/farouk15160/edgeconnect/internal/mqtt"
	"github.com/farouk15160/edgeconnect/internal/service"
)

const (
	// c8yTokenResponseCode prefixes every JWT reply of the token service.
	c8yTokenResponseCode = "71"

	c8yUpstreamTopic    = "s/us"
	c8yErrorTopic       = "s/e"
	c8yDeviceExistsCode = "41,100,Device already existing"

	// RegistrationTimeout bounds the direct registration session.
	RegistrationTimeout = 10 * time.Second
)

// ErrRegistrationRejected is returned when the cloud answered the device
// creation request with an error.
var ErrRegistrationRejected = errors.New("device creation rejected")

// C8y is the Cumulocity profile. The device is created over a direct TLS
// connection before the bridge exists, and connectivity is verified by
// requesting a JWT token through the bridge.
type C8y struct {
	descriptor

	// Dial opens the direct registration session; nil means paho.
	Dial mqtt.Dialer
	// RegistrationTimeout is the keep-alive of the registration session.
	RegistrationTimeout time.Duration
}

// NewC8y returns the Cumulocity profile.
func NewC8y() *C8y {
	return &C8y{
		descriptor: descriptor{
			name:        "c8y",
			displayName: "Cumulocity",
			fileName:    "c8y-bridge.conf",
			tlsPort:     MQTTTLSPort,
			urlKey:      config.C8yURLKey,
			rootCertKey: config.C8yRootCertPathKey,
			exchange: mqtt.PayloadMatch{
				Client:   "check_connection_c8y",
				Response: "c8y/s/dat",
				Request:  "c8y/s/uat",
				Marker:   c8yTokenResponseCode,
			},
			mapper:    service.MapperC8y,
			mapperBin: "tedge_mapper",
		},
		RegistrationTimeout: RegistrationTimeout,
	}
}

func (c *C8y) BuildSpecification(settings config.Reader) (bridge.Specification, error) {
	ds, err := c.readDeviceSettings(settings)
	if err != nil {
		return bridge.Specification{}, err
	}
	rawTemplates, err := settings.Get(config.C8ySmartRestTemplatesKey)
	if err != nil {
		return bridge.Specification{}, err
	}
	templates := splitTemplates(rawTemplates)

	topics := []string{
		// Registration
		`s/dcr in 2 c8y/ ""`,
		`s/ucr out 2 c8y/ ""`,
		// Templates
		`s/dt in 2 c8y/ ""`,
		`s/ut/# out 2 c8y/ ""`,
		// Static templates
		`s/us out 2 c8y/ ""`,
		`t/us out 2 c8y/ ""`,
		`q/us out 2 c8y/ ""`,
		`c/us out 2 c8y/ ""`,
		`s/ds in 2 c8y/ ""`,
		`s/os in 2 c8y/ ""`,
		// Debug
		`s/e in 0 c8y/ ""`,
		// SmartRest2
		`s/uc/# out 2 c8y/ ""`,
		`t/uc/# out 2 c8y/ ""`,
		`q/uc/# out 2 c8y/ ""`,
		`c/uc/# out 2 c8y/ ""`,
		`s/dc/# in 2 c8y/ ""`,
		`s/oc/# in 2 c8y/ ""`,
		// JWT token
		`s/uat/# out 2 c8y/ ""`,
		`s/dat/# in 2 c8y/ ""`,
	}
	for _, t := range templates {
		topics = append(topics,
			fmt.Sprintf(`s/uc/%s out 2 c8y/ ""`, t),
			fmt.Sprintf(`s/dc/%s in 2 c8y/ ""`, t),
		)
	}

	return bridge.NewSpecification(bridge.Specification{
		CloudName:      c.name,
		ConfigFileName: c.fileName,
		ConnectURL:     ds.url,
		TLSPort:        c.tlsPort,
		RootCertPath:   ds.rootCert,
		RemoteClientID: ds.deviceID,
		LocalClientID:  c.displayName,
		ConnectionName: "edge_to_" + c.name,
		LocalCertPath:  ds.cert,
		LocalKeyPath:   ds.key,
		UseMapper:      true,
		UseAgent:       true,
	}, templates, topics), nil
}

func splitTemplates(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Register creates the device in Cumulocity over a direct TLS session
// authenticated with the device certificate. The broker acknowledges the
// request before the cloud has processed it; a rejection arrives later on
// s/e. A quiet keep-alive interval after the acknowledgment therefore means
// the device was created, and a device that already exists counts as
// registered.
func (c *C8y) Register(ctx context.Context, spec bridge.Specification, deviceType string) error {
	tlsConfig, err := mqtt.NewTLSConfig(spec.RootCertPath, spec.LocalCertPath, spec.LocalKeyPath, spec.ConnectURL)
	if err != nil {
		return err
	}

	dial := c.Dial
	if dial == nil {
		dial = mqtt.DialPaho
	}
	session, err := dial(ctx, mqtt.SessionOptions{
		Broker:    "ssl://" + spec.Address(),
		ClientID:  spec.RemoteClientID,
		KeepAlive: c.RegistrationTimeout,
		TLS:       tlsConfig,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Subscribe(c8yErrorTopic, 0); err != nil {
		return err
	}

	request := fmt.Sprintf("100,%s,%s", spec.RemoteClientID, deviceType)
	acknowledged := false
	for {
		var ev mqtt.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-session.Events():
			if !ok {
				return fmt.Errorf("registration session to %s closed", spec.Address())
			}
			ev = e
		}

		switch ev.Kind {
		case mqtt.EventSubAck:
			if err := session.Publish(c8yUpstreamTopic, 1, []byte(request)); err != nil {
				return err
			}
		case mqtt.EventPubAck:
			acknowledged = true
		case mqtt.EventPublish:
			if strings.Contains(string(ev.Payload), c8yDeviceExistsCode) {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrRegistrationRejected, string(ev.Payload))
		case mqtt.EventPingReq:
			if acknowledged {
				return nil
			}
			return fmt.Errorf("no answer from %s within %s", spec.Address(), c.RegistrationTimeout)
		case mqtt.EventDisconnect:
			return fmt.Errorf("disconnected from %s: %v", spec.Address(), ev.Err)
		case mqtt.EventError:
			return ev.Err
		}
	}
}

// tokenClaims are the JWT claims used to identify the tenant.
type tokenClaims struct {
	Issuer string `json:"iss"`
}

// ConnectedTenant asks the token service through the bridge and returns the
// host of the tenant that issued the token.
func (c *C8y) ConnectedTenant(ctx context.Context, f Fetcher) (string, error) {
	ex := mqtt.PayloadMatch{
		Client:   "get_jwt_token_c8y",
		Response: "c8y/s/dat",
		Request:  "c8y/s/uat",
		Marker:   c8yTokenResponseCode,
	}
	msg, err := f.Fetch(ctx, ex)
	if err != nil {
		return "", err
	}
	return tenantFromToken(string(msg.Payload))
}

// tenantFromToken extracts the issuer host from a "71,<jwt>" response.
func tenantFromToken(response string) (string, error) {
	_, token, found := strings.Cut(strings.TrimSpace(response), ",")
	if !found {
		return "", fmt.Errorf("unexpected token response")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", fmt.Errorf("failed to decode token claims: %w", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("failed to parse token claims: %w", err)
	}
	if claims.Issuer == "" {
		return "", fmt.Errorf("token has no issuer")
	}
	return HostOf(claims.Issuer), nil
}
