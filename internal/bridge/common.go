package bridge

import "io"

// CommonConfigFileName is the shared broker options file next to the
// per-cloud bridge files.
const CommonConfigFileName = "edgeconnect-mosquitto.conf"

// ExternalListener describes the optional listener other devices on the
// network connect to. A zero Port disables it.
type ExternalListener struct {
	Port          uint16
	BindAddress   string
	BindInterface string
	CAPath        string
	CertFile      string
	KeyFile       string
}

// CommonOptions are the broker options shared by every bridge.
type CommonOptions struct {
	ConfigFileName      string
	InternalPort        uint16
	InternalBindAddress string
	External            ExternalListener
}

// CommonOptionsBuilder assembles CommonOptions step by step.
type CommonOptionsBuilder struct {
	opts CommonOptions
}

// NewCommonOptionsBuilder starts from the stock local listener.
func NewCommonOptionsBuilder() *CommonOptionsBuilder {
	return &CommonOptionsBuilder{opts: CommonOptions{
		ConfigFileName:      CommonConfigFileName,
		InternalPort:        1883,
		InternalBindAddress: "127.0.0.1",
	}}
}

// WithInternalOpts sets the local listener.
func (b *CommonOptionsBuilder) WithInternalOpts(port uint16, bindAddress string) *CommonOptionsBuilder {
	b.opts.InternalPort = port
	b.opts.InternalBindAddress = bindAddress
	return b
}

// WithExternalOpts sets the external listener.
func (b *CommonOptionsBuilder) WithExternalOpts(external ExternalListener) *CommonOptionsBuilder {
	b.opts.External = external
	return b
}

// Build returns a snapshot; later builder calls do not affect it.
func (b *CommonOptionsBuilder) Build() CommonOptions {
	return b.opts
}

// Serialize writes the shared mosquitto options.
func (c CommonOptions) Serialize(w io.Writer) error {
	p := &printer{w: w}
	p.line("per_listener_settings true")
	p.line("connection_messages true")
	for _, t := range []string{"error", "warning", "notice", "information", "subscribe", "unsubscribe"} {
		p.line("log_type %s", t)
	}
	p.line("message_size_limit 268435455")
	p.line("")
	p.line("listener %d %s", c.InternalPort, c.InternalBindAddress)
	p.line("allow_anonymous true")
	p.line("require_certificate false")

	ext := c.External
	if ext.Port == 0 {
		return p.err
	}
	p.line("")
	if ext.BindAddress != "" {
		p.line("listener %d %s", ext.Port, ext.BindAddress)
	} else {
		p.line("listener %d", ext.Port)
	}
	if ext.BindInterface != "" {
		p.line("bind_interface %s", ext.BindInterface)
	}
	// Client certificates are only demanded when there is a CA to check
	// them against.
	if ext.CAPath != "" {
		p.line("allow_anonymous false")
		p.line("require_certificate true")
		p.line("capath %s", ext.CAPath)
	} else {
		p.line("allow_anonymous true")
		p.line("require_certificate false")
	}
	if ext.CertFile != "" {
		p.line("certfile %s", ext.CertFile)
	}
	if ext.KeyFile != "" {
		p.line("keyfile %s", ext.KeyFile)
	}
	return p.err
}
