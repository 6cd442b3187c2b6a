// internal/mqtt/interfaces.go
package mqtt

import (
	"context"
	"crypto/tls"
	"strings"
	"time"
)

// EventKind classifies what a Session observed on its connection.
type EventKind int

const (
	// EventSubAck means the broker acknowledged a subscription.
	EventSubAck EventKind = iota
	// EventPubAck means the broker acknowledged a publish.
	EventPubAck
	// EventPublish carries a message received on a subscribed topic.
	EventPublish
	// EventPingReq means nothing was received for a whole keep-alive
	// interval and the client is about to ping the broker.
	EventPingReq
	// EventDisconnect means the connection was closed.
	EventDisconnect
	// EventError carries a transport or protocol error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSubAck:
		return "SubAck"
	case EventPubAck:
		return "PubAck"
	case EventPublish:
		return "Publish"
	case EventPingReq:
		return "PingReq"
	case EventDisconnect:
		return "Disconnect"
	case EventError:
		return "Error"
	}
	return "Unknown"
}

// Event is one observation delivered by a Session.
type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
	Err     error
}

// Message is a received publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Session is a short-lived client connection whose acknowledgments and
// incoming messages are delivered as events.
type Session interface {
	// Subscribe sends a subscription; the acknowledgment arrives as
	// EventSubAck.
	Subscribe(topic string, qos byte) error
	// Publish sends a message; the acknowledgment arrives as EventPubAck.
	Publish(topic string, qos byte, payload []byte) error
	Events() <-chan Event
	Close()
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Broker    string // e.g. tcp://127.0.0.1:1883 or ssl://host:8883
	ClientID  string
	KeepAlive time.Duration
	TLS       *tls.Config
}

// Dialer opens a connected Session.
type Dialer func(ctx context.Context, opts SessionOptions) (Session, error)

// Verdict is how an Exchange judges a response.
type Verdict int

const (
	// VerdictIgnore leaves the exchange waiting for another response.
	VerdictIgnore Verdict = iota
	// VerdictSuccess confirms the round trip.
	VerdictSuccess
	// VerdictFailure is a definite non-success answer.
	VerdictFailure
)

// Exchange describes one request/response round trip used to verify a
// bridge: where to listen, where to ask, and how to read the answer.
type Exchange interface {
	ClientID() string
	ResponseTopic() string
	RequestTopic() string
	RequestPayload() []byte
	Classify(msg Message) Verdict
}

// PayloadMatch is an Exchange that succeeds on a response whose payload
// contains Marker. Any other response is ignored.
type PayloadMatch struct {
	Client   string
	Response string
	Request  string
	Marker   string
}

func (e PayloadMatch) ClientID() string       { return e.Client }
func (e PayloadMatch) ResponseTopic() string  { return e.Response }
func (e PayloadMatch) RequestTopic() string   { return e.Request }
func (e PayloadMatch) RequestPayload() []byte { return nil }

func (e PayloadMatch) Classify(msg Message) Verdict {
	if strings.Contains(string(msg.Payload), e.Marker) {
		return VerdictSuccess
	}
	return VerdictIgnore
}

// TopicStatus is an Exchange whose response topic carries a status code.
// A topic containing Marker is a success, any other response a failure.
type TopicStatus struct {
	Client   string
	Response string
	Request  string
	Marker   string
}

func (e TopicStatus) ClientID() string       { return e.Client }
func (e TopicStatus) ResponseTopic() string  { return e.Response }
func (e TopicStatus) RequestTopic() string   { return e.Request }
func (e TopicStatus) RequestPayload() []byte { return nil }

func (e TopicStatus) Classify(msg Message) Verdict {
	if strings.Contains(msg.Topic, e.Marker) {
		return VerdictSuccess
	}
	return VerdictFailure
}
