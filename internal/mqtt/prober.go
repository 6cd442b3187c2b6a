package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/farouk15160/edgeconnect/internal/logger"
)

// ResponseTimeout is the keep-alive interval of a probe session. A whole
// interval without traffic after the request went out ends the probe.
const ResponseTimeout = 10 * time.Second

// ErrProbeUnreachable is returned when the probe never got its
// subscription acknowledged, so no request was ever sent.
var ErrProbeUnreachable = errors.New("local broker did not acknowledge the probe subscription")

// Result is the outcome of a connectivity check.
type Result int

const (
	// Unknown covers no response, an ambiguous response and transport
	// errors after the request was sent.
	Unknown Result = iota
	// Connected means the cloud answered through the bridge.
	Connected
)

func (r Result) String() string {
	if r == Connected {
		return "connected"
	}
	return "unknown"
}

// Probe states.
const (
	StateIdle          = "idle"
	StateSubscribing   = "subscribing"
	StateWaitingForAck = "waiting_for_ack"
	StateRequestSent   = "request_sent"
	StateConnected     = "connected"
	StateUnknown       = "unknown"
	StateUnreachable   = "unreachable"
)

// Probe events.
const (
	eventSubscribe  = "subscribe"
	eventSubscribed = "subscribed"
	eventSubAck     = "suback"
	eventResponse   = "response"
	eventReject     = "reject"
	eventTimeout    = "timeout"
	eventDrop       = "drop"
)

var beforeSubAck = []string{StateIdle, StateSubscribing, StateWaitingForAck}

var probeTransitions = fsm.Events{
	{Name: eventSubscribe, Src: []string{StateIdle}, Dst: StateSubscribing},
	{Name: eventSubscribed, Src: []string{StateSubscribing}, Dst: StateWaitingForAck},
	{Name: eventSubAck, Src: []string{StateSubscribing, StateWaitingForAck}, Dst: StateRequestSent},

	{Name: eventResponse, Src: []string{StateRequestSent}, Dst: StateConnected},
	{Name: eventReject, Src: []string{StateRequestSent}, Dst: StateUnknown},
	{Name: eventTimeout, Src: []string{StateRequestSent}, Dst: StateUnknown},
	{Name: eventDrop, Src: []string{StateRequestSent}, Dst: StateUnknown},

	// Without a subscription acknowledgment the request was never asked.
	{Name: eventTimeout, Src: beforeSubAck, Dst: StateUnreachable},
	{Name: eventDrop, Src: beforeSubAck, Dst: StateUnreachable},
}

func isTerminal(state string) bool {
	return state == StateConnected || state == StateUnknown || state == StateUnreachable
}

// Prober verifies a bridge by running an Exchange through the local broker.
type Prober struct {
	Host      string
	Port      uint16
	KeepAlive time.Duration
	Dial      Dialer
	Log       *zap.SugaredLogger
}

// NewProber returns a Prober for the local broker at host:port.
func NewProber(host string, port uint16) *Prober {
	return &Prober{
		Host:      host,
		Port:      port,
		KeepAlive: ResponseTimeout,
		Dial:      DialPaho,
		Log:       logger.For("probe"),
	}
}

// Check runs one round trip. It returns Connected or Unknown, or
// ErrProbeUnreachable when the local broker never acknowledged the
// subscription.
func (p *Prober) Check(ctx context.Context, ex Exchange) (Result, error) {
	state, _, err := p.run(ctx, ex)
	if err != nil {
		return Unknown, err
	}
	if state == StateConnected {
		return Connected, nil
	}
	return Unknown, nil
}

// Fetch runs one round trip and returns the response that satisfied ex.
func (p *Prober) Fetch(ctx context.Context, ex Exchange) (Message, error) {
	state, msg, err := p.run(ctx, ex)
	if err != nil {
		return Message{}, err
	}
	if state != StateConnected {
		return Message{}, fmt.Errorf("no usable response on %s", ex.ResponseTopic())
	}
	return msg, nil
}

func (p *Prober) run(ctx context.Context, ex Exchange) (string, Message, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	broker := "tcp://" + net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
	session, err := p.Dial(ctx, SessionOptions{
		Broker:    broker,
		ClientID:  ex.ClientID(),
		KeepAlive: p.KeepAlive,
	})
	if err != nil {
		log.Warnf("Make sure mosquitto is running: %v", err)
		return StateUnreachable, Message{}, fmt.Errorf("%w: %w", ErrProbeUnreachable, err)
	}
	defer session.Close()

	m := newMachine(log)
	var response Message

	m.fire(eventSubscribe)
	if err := session.Subscribe(ex.ResponseTopic(), 1); err != nil {
		log.Errorf("Subscribing to %s failed: %v", ex.ResponseTopic(), err)
		m.fire(eventDrop)
	} else {
		m.fire(eventSubscribed)
	}

	for !isTerminal(m.current()) {
		var ev Event
		select {
		case <-ctx.Done():
			ev = Event{Kind: EventError, Err: ctx.Err()}
		case e, ok := <-session.Events():
			if !ok {
				e = Event{Kind: EventDisconnect}
			}
			ev = e
		}
		log.Debugf("Probe event %s in state %s", ev.Kind, m.current())

		switch ev.Kind {
		case EventSubAck:
			if !m.can(eventSubAck) {
				continue
			}
			m.fire(eventSubAck)
			// The request goes out exactly once per probe.
			if err := session.Publish(ex.RequestTopic(), 1, ex.RequestPayload()); err != nil {
				log.Errorf("Publishing the request to %s failed: %v", ex.RequestTopic(), err)
				m.fire(eventDrop)
			}
		case EventPubAck:
			log.Debugf("Request on %s acknowledged by the local broker", ex.RequestTopic())
		case EventPublish:
			if m.current() != StateRequestSent {
				continue
			}
			msg := Message{Topic: ev.Topic, Payload: ev.Payload}
			switch ex.Classify(msg) {
			case VerdictSuccess:
				log.Debugf("Received expected response on %s", msg.Topic)
				response = msg
				m.fire(eventResponse)
			case VerdictFailure:
				log.Warnf("Received a non-success response on %s", msg.Topic)
				m.fire(eventReject)
			}
		case EventPingReq:
			log.Errorf("Local MQTT publish has timed out")
			m.fire(eventTimeout)
		case EventDisconnect:
			log.Errorf("Disconnected from the local broker")
			m.fire(eventDrop)
		case EventError:
			log.Errorf("Probe session error: %v", ev.Err)
			m.fire(eventDrop)
		}
	}

	state := m.current()
	if state == StateUnreachable {
		log.Warnf("Make sure mosquitto is running")
		return state, Message{}, ErrProbeUnreachable
	}
	return state, response, nil
}

// machine wraps the probe FSM. Transitions are driven only from the probe
// loop, so no event is ever fired concurrently.
type machine struct {
	fsm *fsm.FSM
	log *zap.SugaredLogger
}

func newMachine(log *zap.SugaredLogger) *machine {
	m := &machine{log: log}
	m.fsm = fsm.NewFSM(
		StateIdle,
		probeTransitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("Probe state %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return m
}

func (m *machine) current() string {
	return m.fsm.Current()
}

func (m *machine) can(event string) bool {
	return m.fsm.Can(event)
}

// fire applies event if the current state allows it.
func (m *machine) fire(event string) {
	if !m.fsm.Can(event) {
		return
	}
	// The loop owns cancellation; the FSM must always complete a transition.
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.log.Debugf("Probe transition %s from %s failed: %v", event, m.fsm.Current(), err)
	}
}
