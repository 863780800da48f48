package convoke

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type connState int32

const (
	stateConnecting connState = iota
	stateEstablished
	stateClosed
)

// Conn is one live server-side WebSocket connection. It exclusively owns its
// transport handle for its lifetime. A Conn is created on successful upgrade,
// becomes established before the one-shot socket handler runs, and transitions
// to closed on transport close, an unrecoverable send fault, or Close. Closed
// is terminal; a closed Conn is never reused.
type Conn struct {
	id        string
	principal any
	transport SocketConnection
	logger    *slog.Logger

	state   atomic.Int32
	writeMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	onClose func(*Conn)

	closeOnce sync.Once
}

func newConn(transport SocketConnection, principal any, logger *slog.Logger, onClose func(*Conn)) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        uuid.NewString(),
		principal: principal,
		transport: transport,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	c.state.Store(int32(stateConnecting))
	return c
}

// ID returns the connection's opaque unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Principal returns the identity verified during the upgrade request, or nil.
func (c *Conn) Principal() any {
	return c.principal
}

// Done is closed when the connection transitions to the closed state.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	return connState(c.state.Load()) == stateClosed
}

// Emit sends an event frame to the peer. Frames sent through one Conn preserve
// emission order. A transport fault closes the connection and is returned to
// the caller.
func (c *Conn) Emit(event string, data any) error {
	encoded, err := EncodeFrame(event, data, "")
	if err != nil {
		return err
	}
	return c.write(encoded)
}

func (c *Conn) write(encoded []byte) error {
	if c.IsClosed() {
		return ErrSocketClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.transport.Write(c.ctx, &SocketMessage{Type: MessageText, Data: encoded})
	if err != nil {
		c.logger.Warn("send failed, closing connection", "conn", c.id, "error", err)
		_ = c.Close()
		return err
	}
	return nil
}

// Close transitions the connection to the closed state, aborts any outstanding
// transport reads and writes, and removes it from the server's registry. Close
// is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		c.cancel()
		close(c.done)
		err = c.transport.Close(StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

func (c *Conn) establish() {
	c.state.Store(int32(stateEstablished))
}

// EventContext carries one inbound event frame to its handler. Handlers run on
// the connection's read loop, so frames on one connection are processed in
// arrival order.
type EventContext struct {
	conn          *Conn
	event         string
	data          json.RawMessage
	correlationID string
	logger        *slog.Logger

	mu      sync.Mutex
	replied bool
}

// Conn returns the connection the frame arrived on.
func (c *EventContext) Conn() *Conn {
	return c.conn
}

// Event returns the inbound frame's event name.
func (c *EventContext) Event() string {
	return c.event
}

// Data returns the raw event payload.
func (c *EventContext) Data() json.RawMessage {
	return c.data
}

// Unmarshal decodes the event payload into the given value.
func (c *EventContext) Unmarshal(into any) error {
	if len(c.data) == 0 {
		return nil
	}
	return json.Unmarshal(c.data, into)
}

// CanReply reports whether the peer is waiting for a correlated reply.
func (c *EventContext) CanReply() bool {
	return c.correlationID != ""
}

// Reply sends a single reply frame carrying the inbound frame's correlation
// ID. Calling Reply suppresses the automatic reply derived from the handler's
// return value. Calling it a second time is a logged no-op. Reply returns
// ErrNoCorrelation when the inbound frame carried no correlation ID.
func (c *EventContext) Reply(data any) error {
	if c.correlationID == "" {
		return ErrNoCorrelation
	}

	c.mu.Lock()
	if c.replied {
		c.mu.Unlock()
		c.logger.Warn("reply already sent", "event", c.event, "correlationId", c.correlationID)
		return nil
	}
	c.replied = true
	c.mu.Unlock()

	encoded, err := EncodeFrame(c.event, data, c.correlationID)
	if err != nil {
		return err
	}
	return c.conn.write(encoded)
}

func (c *EventContext) hasReplied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replied
}
