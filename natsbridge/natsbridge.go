// Package natsbridge relays broadcast frames between convoke server instances
// over NATS, so a broadcast issued on one instance reaches the connections
// held by its siblings.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject broadcasts are relayed on.
const DefaultSubject = "convoke.broadcast"

// LocalBroadcaster delivers a relayed frame to the connections of the local
// instance. *convoke.Server satisfies it through BroadcastLocal.
type LocalBroadcaster interface {
	BroadcastLocal(event string, data any)
}

type relayMessage struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Bridge publishes local broadcasts to NATS and re-broadcasts frames received
// from sibling instances. Each bridge carries a unique origin ID so it ignores
// its own publications.
type Bridge struct {
	id      string
	conn    *nats.Conn
	subject string
	target  LocalBroadcaster
	logger  *slog.Logger
	sub     *nats.Subscription
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubject overrides the relay subject.
func WithSubject(subject string) Option {
	return func(b *Bridge) { b.subject = subject }
}

// WithLogger replaces the bridge's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// New creates a bridge on an established NATS connection and subscribes to the
// relay subject. Frames from sibling instances are delivered to target.
func New(conn *nats.Conn, target LocalBroadcaster, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		id:      uuid.NewString(),
		conn:    conn,
		subject: DefaultSubject,
		target:  target,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	sub, err := conn.Subscribe(b.subject, func(msg *nats.Msg) {
		b.handleRelay(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return b, nil
}

// Publish relays a broadcast frame to sibling instances. It satisfies the
// convoke.Relay interface.
func (b *Bridge) Publish(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(&relayMessage{
		Origin: b.id,
		Event:  event,
		Data:   raw,
	})
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, encoded)
}

// handleRelay delivers one relayed frame to the local instance, skipping
// frames this bridge published itself.
func (b *Bridge) handleRelay(data []byte) {
	msg := &relayMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		b.logger.Warn("dropping undecodable relay message", "error", err)
		return
	}
	if msg.Origin == b.id {
		return
	}
	b.target.BroadcastLocal(msg.Event, msg.Data)
}

// Close unsubscribes from the relay subject. The NATS connection itself is
// owned by the caller and stays open.
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
