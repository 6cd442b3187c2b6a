package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedSession replays a fixed list of events and records what the
// prober sent.
type scriptedSession struct {
	events chan Event

	mu         sync.Mutex
	subscribed []string
	published  []string
	closed     bool
}

func newScriptedSession(script ...Event) *scriptedSession {
	s := &scriptedSession{events: make(chan Event, len(script)+1)}
	for _, ev := range script {
		s.events <- ev
	}
	return s
}

func (s *scriptedSession) Subscribe(topic string, _ byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *scriptedSession) Publish(topic string, _ byte, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, topic)
	return nil
}

func (s *scriptedSession) Events() <-chan Event { return s.events }

func (s *scriptedSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func proberFor(t *testing.T, session Session) *Prober {
	return &Prober{
		Host:      "127.0.0.1",
		Port:      1883,
		KeepAlive: time.Second,
		Log:       zaptest.NewLogger(t).Sugar(),
		Dial: func(_ context.Context, opts SessionOptions) (Session, error) {
			assert.Equal(t, "tcp://127.0.0.1:1883", opts.Broker)
			return session, nil
		},
	}
}

var tokenExchange = PayloadMatch{
	Client:   "check_connection_c8y",
	Response: "c8y/s/dat",
	Request:  "c8y/s/uat",
	Marker:   "71",
}

var twinExchange = TopicStatus{
	Client:   "check_connection_az",
	Response: "az/twin/res/#",
	Request:  "az/twin/GET/?$rid=1",
	Marker:   "200",
}

func TestTokenExchangeConnected(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventSubAck},
		Event{Kind: EventPubAck},
		Event{Kind: EventPublish, Topic: "c8y/s/dat", Payload: []byte("71,eyJhbGciOi")},
	)

	result, err := proberFor(t, session).Check(context.Background(), tokenExchange)
	require.NoError(t, err)
	assert.Equal(t, Connected, result)
	assert.Equal(t, []string{"c8y/s/dat"}, session.subscribed)
	assert.Equal(t, []string{"c8y/s/uat"}, session.published)
	assert.True(t, session.closed)
}

func TestTokenExchangeIgnoresOtherPayloads(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventSubAck},
		Event{Kind: EventPublish, Topic: "c8y/s/dat", Payload: []byte("50,no token")},
		Event{Kind: EventPublish, Topic: "c8y/s/dat", Payload: []byte("71,token")},
	)

	msg, err := proberFor(t, session).Fetch(context.Background(), tokenExchange)
	require.NoError(t, err)
	assert.Equal(t, "71,token", string(msg.Payload))
}

func TestTokenExchangeTimesOutAfterRequest(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventSubAck},
		Event{Kind: EventPubAck},
		Event{Kind: EventPingReq},
	)

	result, err := proberFor(t, session).Check(context.Background(), tokenExchange)
	require.NoError(t, err)
	assert.Equal(t, Unknown, result)
}

func TestNoSubAckIsUnreachable(t *testing.T) {
	session := newScriptedSession(Event{Kind: EventPingReq})

	result, err := proberFor(t, session).Check(context.Background(), tokenExchange)
	assert.ErrorIs(t, err, ErrProbeUnreachable)
	assert.Equal(t, Unknown, result)
	assert.Empty(t, session.published, "request must not be sent without a subscription")
}

func TestDisconnectBeforeSubAckIsUnreachable(t *testing.T) {
	session := newScriptedSession(Event{Kind: EventDisconnect})
	_, err := proberFor(t, session).Check(context.Background(), twinExchange)
	assert.ErrorIs(t, err, ErrProbeUnreachable)
}

func TestDialFailureIsUnreachable(t *testing.T) {
	p := proberFor(t, nil)
	p.Dial = func(context.Context, SessionOptions) (Session, error) {
		return nil, errors.New("connection refused")
	}
	_, err := p.Check(context.Background(), tokenExchange)
	assert.ErrorIs(t, err, ErrProbeUnreachable)
}

func TestTransportErrorAfterRequestIsUnknown(t *testing.T) {
	for _, ev := range []Event{
		{Kind: EventDisconnect},
		{Kind: EventError, Err: errors.New("broken pipe")},
	} {
		session := newScriptedSession(Event{Kind: EventSubAck}, ev)
		result, err := proberFor(t, session).Check(context.Background(), tokenExchange)
		require.NoError(t, err, ev.Kind.String())
		assert.Equal(t, Unknown, result, ev.Kind.String())
	}
}

func TestRequestIsSentOnlyOnce(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventSubAck},
		Event{Kind: EventSubAck},
		Event{Kind: EventPingReq},
	)
	_, err := proberFor(t, session).Check(context.Background(), tokenExchange)
	require.NoError(t, err)
	assert.Len(t, session.published, 1)
}

func TestClosedEventStreamEndsProbe(t *testing.T) {
	session := newScriptedSession(Event{Kind: EventSubAck})
	close(session.events)
	result, err := proberFor(t, session).Check(context.Background(), tokenExchange)
	require.NoError(t, err)
	assert.Equal(t, Unknown, result)
}

func TestStatusExchangeConnected(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventSubAck},
		Event{Kind: EventPubAck},
		Event{Kind: EventPublish, Topic: "az/twin/res/200/?$rid=1", Payload: []byte("{}")},
	)
	result, err := proberFor(t, session).Check(context.Background(), twinExchange)
	require.NoError(t, err)
	assert.Equal(t, Connected, result)
}

func TestStatusExchangeOtherStatusEndsImmediately(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventSubAck},
		Event{Kind: EventPublish, Topic: "az/twin/res/401/?$rid=1"},
		// Must never be consumed: the failure above is final.
		Event{Kind: EventPublish, Topic: "az/twin/res/200/?$rid=1"},
	)
	result, err := proberFor(t, session).Check(context.Background(), twinExchange)
	require.NoError(t, err)
	assert.Equal(t, Unknown, result)
	assert.Len(t, session.events, 1)
}

func TestPublishBeforeSubAckIsIgnored(t *testing.T) {
	session := newScriptedSession(
		Event{Kind: EventPublish, Topic: "az/twin/res/200/?$rid=1"},
		Event{Kind: EventPingReq},
	)
	_, err := proberFor(t, session).Check(context.Background(), twinExchange)
	assert.ErrorIs(t, err, ErrProbeUnreachable)
}

func TestCancelledContextEndsProbe(t *testing.T) {
	session := newScriptedSession(Event{Kind: EventSubAck})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The SubAck may or may not be read before the cancellation wins, so
	// either outcome short of Connected is acceptable.
	result, _ := proberFor(t, session).Check(ctx, tokenExchange)
	assert.Equal(t, Unknown, result)
}

func TestExchangeClassification(t *testing.T) {
	assert.Equal(t, VerdictSuccess, tokenExchange.Classify(Message{Payload: []byte("71,abc")}))
	assert.Equal(t, VerdictIgnore, tokenExchange.Classify(Message{Payload: []byte("41,100,Device already existing")}))
	assert.Equal(t, VerdictSuccess, twinExchange.Classify(Message{Topic: "az/twin/res/200/?$rid=1"}))
	assert.Equal(t, VerdictFailure, twinExchange.Classify(Message{Topic: "az/twin/res/404/?$rid=1"}))
}
