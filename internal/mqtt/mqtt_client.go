// internal/mqtt/mqtt_client.go
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// eventBufferSize bounds how many observations may queue up before the
// reader catches up.
const eventBufferSize = 10

// subscribeFailure is the SUBACK return code for a refused subscription.
const subscribeFailure = 0x80

// subscribeResult is implemented by *MQTT.SubscribeToken.
type subscribeResult interface {
	Result() map[string]byte
}

// pahoSession is a Session on top of the paho client. paho keeps its
// keep-alive pings to itself, so the session runs its own idle timer and
// reports EventPingReq once a whole interval passed without traffic.
type pahoSession struct {
	client    MQTT.Client
	events    chan Event
	keepAlive time.Duration

	mu     sync.Mutex
	closed bool
	idle   *time.Timer
}

// DialPaho connects a paho client and returns it as a Session. Automatic
// reconnects are off: a probe that loses its connection is over.
func DialPaho(ctx context.Context, opts SessionOptions) (Session, error) {
	s := newPahoSession(opts.KeepAlive)

	o := MQTT.NewClientOptions()
	o.AddBroker(opts.Broker)
	o.SetClientID(opts.ClientID)
	o.SetKeepAlive(opts.KeepAlive)
	o.SetConnectTimeout(opts.KeepAlive)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetCleanSession(true)
	if opts.TLS != nil {
		o.SetTLSConfig(opts.TLS)
	}
	o.SetDefaultPublishHandler(s.defaultHandler)
	o.SetConnectionLostHandler(s.connectionLostHandler)

	s.client = MQTT.NewClient(o)
	zap.S().Debugf("MQTT: connecting %s to %s", opts.ClientID, opts.Broker)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		s.client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Broker, err)
	}

	s.startIdleTimer()
	return s, nil
}

func newPahoSession(keepAlive time.Duration) *pahoSession {
	return &pahoSession{
		events:    make(chan Event, eventBufferSize),
		keepAlive: keepAlive,
	}
}

// startIdleTimer arms the keep-alive timer once the connection is up.
func (s *pahoSession) startIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.idle = time.AfterFunc(s.keepAlive, s.onIdle)
	}
}

func (s *pahoSession) Events() <-chan Event {
	return s.events
}

func (s *pahoSession) Subscribe(topic string, qos byte) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("not connected, cannot subscribe to %s", topic)
	}
	token := s.client.Subscribe(topic, qos, nil)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("subscribe to %s: %w", topic, err)})
			return
		}
		if st, ok := token.(subscribeResult); ok {
			for t, code := range st.Result() {
				if code == subscribeFailure {
					s.emit(Event{Kind: EventError, Err: fmt.Errorf("broker refused subscription to %s", t)})
					return
				}
			}
		}
		s.emit(Event{Kind: EventSubAck, Topic: topic})
	}()
	return nil
}

func (s *pahoSession) Publish(topic string, qos byte, payload []byte) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("not connected, cannot publish to %s", topic)
	}
	token := s.client.Publish(topic, qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.emit(Event{Kind: EventError, Err: fmt.Errorf("publish to %s: %w", topic, err)})
			return
		}
		s.emit(Event{Kind: EventPubAck, Topic: topic})
	}()
	return nil
}

// Close stops event delivery and disconnects. The events channel is left
// open; readers stop on their own terminal condition.
func (s *pahoSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.idle != nil {
		s.idle.Stop()
	}
	s.mu.Unlock()

	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *pahoSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if ev.Kind != EventPingReq && s.idle != nil {
		s.idle.Reset(s.keepAlive)
	}
	select {
	case s.events <- ev:
	default:
		zap.S().Warnf("MQTT: dropping %s event, reader is not keeping up", ev.Kind)
	}
}

func (s *pahoSession) onIdle() {
	s.emit(Event{Kind: EventPingReq})
	s.mu.Lock()
	if !s.closed {
		s.idle.Reset(s.keepAlive)
	}
	s.mu.Unlock()
}

func (s *pahoSession) defaultHandler(_ MQTT.Client, msg MQTT.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())
	s.emit(Event{Kind: EventPublish, Topic: msg.Topic(), Payload: payloadCopy})
}

func (s *pahoSession) connectionLostHandler(_ MQTT.Client, err error) {
	s.emit(Event{Kind: EventDisconnect, Err: err})
}
