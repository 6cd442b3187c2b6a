package bridge

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// ErrInvalidCertificate is returned when the device certificate, its key or
// the cloud root certificate cannot be used.
var ErrInvalidCertificate = errors.New("invalid certificate")

// Specification describes one bridge between the local broker and a cloud
// endpoint. It is built once per invocation and never modified afterwards;
// use Templates and Topics to get copies of the slices.
type Specification struct {
	CloudName      string
	ConfigFileName string
	ConnectURL     string
	TLSPort        uint16
	RootCertPath   string
	RemoteClientID string
	RemoteUsername string
	LocalClientID  string
	ConnectionName string
	LocalCertPath  string
	LocalKeyPath   string
	UseMapper      bool
	UseAgent       bool

	templates []string
	topics    []string
}

// NewSpecification freezes spec together with its template and topic lists.
func NewSpecification(spec Specification, templates, topics []string) Specification {
	spec.templates = append([]string(nil), templates...)
	spec.topics = append([]string(nil), topics...)
	return spec
}

// Templates returns the cloud-specific template identifiers.
func (s Specification) Templates() []string {
	return append([]string(nil), s.templates...)
}

// Topics returns the mosquitto topic patterns of the bridge.
func (s Specification) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Address is the remote endpoint as host:port.
func (s Specification) Address() string {
	return s.ConnectURL + ":" + strconv.Itoa(int(s.TLSPort))
}

// Validate checks that the device certificate and key form a usable pair
// and that the root certificate location exists.
func (s Specification) Validate() error {
	for _, path := range []string{s.LocalCertPath, s.LocalKeyPath} {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: cannot read %s: %w", ErrInvalidCertificate, path, err)
		}
		f.Close()
	}
	if _, err := tls.LoadX509KeyPair(s.LocalCertPath, s.LocalKeyPath); err != nil {
		return fmt.Errorf("%w: %s and %s are not a certificate/key pair: %w",
			ErrInvalidCertificate, s.LocalCertPath, s.LocalKeyPath, err)
	}
	if _, err := os.Stat(s.RootCertPath); err != nil {
		return fmt.Errorf("%w: root certificate %s: %w", ErrInvalidCertificate, s.RootCertPath, err)
	}
	return nil
}

// Serialize writes the mosquitto bridge section for the specification.
func (s Specification) Serialize(w io.Writer) error {
	p := &printer{w: w}
	p.line("### Bridge")
	p.line("connection %s", s.ConnectionName)
	p.line("address %s", s.Address())

	// mosquitto needs to know whether it is given a single CA file or a
	// directory of hashed certificates.
	if info, err := os.Stat(s.RootCertPath); err == nil && info.IsDir() {
		p.line("bridge_capath %s", s.RootCertPath)
	} else {
		p.line("bridge_cafile %s", s.RootCertPath)
	}

	p.line("remote_clientid %s", s.RemoteClientID)
	if s.RemoteUsername != "" {
		p.line("remote_username %s", s.RemoteUsername)
	}
	p.line("local_clientid %s", s.LocalClientID)
	p.line("bridge_certfile %s", s.LocalCertPath)
	p.line("bridge_keyfile %s", s.LocalKeyPath)
	p.line("try_private false")
	p.line("start_type automatic")
	p.line("cleansession true")
	p.line("notifications false")
	p.line("bridge_attempt_unsubscribe false")
	p.line("")
	p.line("### Topics")
	for _, topic := range s.topics {
		p.line("topic %s", topic)
	}
	return p.err
}

// printer writes formatted lines and keeps the first error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}
