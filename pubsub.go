package valkey

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xenking/valkey/resp"
)

// MessageKind classifies a pub/sub stream element per spec §4.5's
// message taxonomy table.
type MessageKind int

const (
	KindSubscribe MessageKind = iota
	KindUnsubscribe
	KindPSubscribe
	KindPUnsubscribe
	KindMessage
	KindPMessage
)

// Message is one decoded element of a Subscriber's stream.
type Message struct {
	Kind    MessageKind
	Channel string
	Pattern string
	Payload []byte
	Count   int // subscription count, for (P)Subscribe/(P)Unsubscribe kinds
}

// Subscriber owns a dedicated Connection transitioned into PubSubMode
// (spec §4.5). Once claimed, that Connection can never serve ordinary
// RPC again (spec §9's hard-invariant resolution, see SPEC_FULL.md);
// Execute on it always returns errPubSubModeExclusive.
type Subscriber struct {
	conn *Connection

	mu       sync.Mutex
	channels map[string]struct{}
	patterns map[string]struct{}

	messages chan Message

	errOnce sync.Once
	lastErr atomic.Value // error
	closed  chan struct{}
}

// NewSubscriber dials a new, exclusive pub/sub connection. AutoReconnect
// is forced off: a dropped subscriber connection is not silently
// resubscribed underneath the caller (resubscription would require
// replaying subscription state through a brand new socket, which this
// core leaves to the caller per spec §1's "compile-time command typing"
// / resilience-framework Non-goals).
func NewSubscriber(ctx context.Context, cfg ConnectionConfig) (*Subscriber, error) {
	cfg.AutoReconnect = false
	conn, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		conn:     conn,
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		messages: make(chan Message, 256),
		closed:   make(chan struct{}),
	}

	s, err := conn.currentSession()
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.enterPubSubMode(sub)
	atomic.StoreInt32(&conn.state, int32(StatePubSubMode))

	return sub, nil
}

// Messages returns the pull-style stream of decoded pub/sub elements,
// ordered exactly as the server delivered them (spec §5 invariant 3). It
// closes once the underlying connection fails or Close is called; call
// Err afterward to learn why.
func (sub *Subscriber) Messages() <-chan Message {
	return sub.messages
}

// Err returns the reason the message stream ended, or nil if it hasn't.
func (sub *Subscriber) Err() error {
	if v := sub.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (sub *Subscriber) send(name string, args ...[]byte) error {
	s, err := sub.conn.currentSession()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writer.WriteCommand(name, args...); err != nil {
		return err
	}
	return s.writer.Flush()
}

// Subscribe subscribes to channels not already tracked. Re-subscribing
// to an already-subscribed channel is a client-side no-op (spec §4.5).
func (sub *Subscriber) Subscribe(channels ...string) error {
	return sub.subscribeNew(sub.channels, "SUBSCRIBE", channels)
}

// PSubscribe subscribes to patterns not already tracked.
func (sub *Subscriber) PSubscribe(patterns ...string) error {
	return sub.subscribeNew(sub.patterns, "PSUBSCRIBE", patterns)
}

func (sub *Subscriber) subscribeNew(tracked map[string]struct{}, cmd string, names []string) error {
	sub.mu.Lock()
	fresh := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := tracked[n]; !ok {
			fresh = append(fresh, n)
			tracked[n] = struct{}{}
		}
	}
	sub.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	args := make([][]byte, len(fresh))
	for i, n := range fresh {
		args[i] = []byte(n)
	}
	return sub.send(cmd, args...)
}

// Unsubscribe drops the named channels, or every channel subscription
// when called with no arguments (spec §4.5).
func (sub *Subscriber) Unsubscribe(channels ...string) error {
	return sub.unsubscribe(sub.channels, "UNSUBSCRIBE", channels)
}

// PUnsubscribe drops the named patterns, or every pattern subscription
// when called with no arguments.
func (sub *Subscriber) PUnsubscribe(patterns ...string) error {
	return sub.unsubscribe(sub.patterns, "PUNSUBSCRIBE", patterns)
}

func (sub *Subscriber) unsubscribe(tracked map[string]struct{}, cmd string, names []string) error {
	sub.mu.Lock()
	if len(names) == 0 {
		for n := range tracked {
			delete(tracked, n)
		}
		sub.mu.Unlock()
		return sub.send(cmd)
	}
	args := make([][]byte, 0, len(names))
	for _, n := range names {
		if _, ok := tracked[n]; ok {
			delete(tracked, n)
			args = append(args, []byte(n))
		}
	}
	sub.mu.Unlock()
	if len(args) == 0 {
		return nil
	}
	return sub.send(cmd, args...)
}

// Close terminates the subscriber's connection.
func (sub *Subscriber) Close() error {
	sub.errOnce.Do(func() {
		sub.lastErr.Store(ErrClosed)
		close(sub.closed)
	})
	return sub.conn.Close()
}

// dispatchPush implements pushSink: every frame arriving on a PubSubMode
// session (RESP3 Push or plain RESP2 Array alike, per spec §4.5's RESP2
// compatibility note) is classified and forwarded to the message stream.
// This never runs on a connection outside PubSubMode, which is the hard
// invariant resolving spec.md's open question (see SPEC_FULL.md).
func (sub *Subscriber) dispatchPush(f resp.Frame) {
	msg, ok := parsePubSubFrame(f)
	if !ok {
		return
	}
	select {
	case sub.messages <- msg:
	case <-sub.closed:
	}
}

// dispatchFailure implements pushSink: the connection died, so the
// message stream ends. It runs on the response loop after its last
// dispatchPush, so closing messages here cannot race a send.
func (sub *Subscriber) dispatchFailure(err error) {
	sub.errOnce.Do(func() {
		sub.lastErr.Store(err)
		close(sub.closed)
	})
	close(sub.messages)
}

func parsePubSubFrame(f resp.Frame) (Message, bool) {
	if f.Type != resp.TypePush && f.Type != resp.TypeArray {
		return Message{}, false
	}
	elems := f.Elems
	if len(elems) == 0 {
		return Message{}, false
	}
	tagBytes, ok := elems[0].Bytes()
	if !ok {
		return Message{}, false
	}

	switch strings.ToLower(string(tagBytes)) {
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		if len(elems) < 3 {
			return Message{}, false
		}
		name, _ := elems[1].Bytes()
		count := elems[2].Int
		m := Message{Count: int(count)}
		switch strings.ToLower(string(tagBytes)) {
		case "subscribe":
			m.Kind, m.Channel = KindSubscribe, string(name)
		case "unsubscribe":
			m.Kind, m.Channel = KindUnsubscribe, string(name)
		case "psubscribe":
			m.Kind, m.Pattern = KindPSubscribe, string(name)
		case "punsubscribe":
			m.Kind, m.Pattern = KindPUnsubscribe, string(name)
		}
		return m, true
	case "message":
		if len(elems) < 3 {
			return Message{}, false
		}
		channel, _ := elems[1].Bytes()
		payload, _ := elems[2].Bytes()
		return Message{Kind: KindMessage, Channel: string(channel), Payload: payload}, true
	case "pmessage":
		if len(elems) < 4 {
			return Message{}, false
		}
		pattern, _ := elems[1].Bytes()
		channel, _ := elems[2].Bytes()
		payload, _ := elems[3].Bytes()
		return Message{Kind: KindPMessage, Pattern: string(pattern), Channel: string(channel), Payload: payload}, true
	default:
		return Message{}, false
	}
}
