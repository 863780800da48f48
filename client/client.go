// Package client implements the client side of the convoke WebSocket
// protocol: a hub that maintains one logical connection to a server, routes
// inbound event frames to registered listeners, and layers a request/reply
// correlation pattern with timeouts over the otherwise fire-and-forget event
// channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/convoke-dev/convoke"
)

// ErrTimeout is returned by EmitWithTimeout when no reply arrives before the
// deadline.
var ErrTimeout = errors.New("request timed out")

// ErrClosed is returned when the hub has been closed.
var ErrClosed = errors.New("hub closed")

// ErrNotConnected is returned when emitting while the connection is down.
var ErrNotConnected = errors.New("not connected")

// HandlerFunc is an event listener. It receives the frame's raw payload.
type HandlerFunc func(data json.RawMessage)

// StatusListener is notified on every connect and disconnect transition.
type StatusListener func(connected bool, err error)

// Hub maintains a single logical WebSocket session with a convoke server. It
// reconnects with a fixed delay until closed, and guarantees at most one
// active transport handle at a time.
type Hub struct {
	name           string
	url            string
	logger         *slog.Logger
	reconnectDelay time.Duration
	writeTimeout   time.Duration

	mu              sync.Mutex
	conn            *websocket.Conn
	handlers        map[string][]HandlerFunc
	pending         map[string]chan json.RawMessage
	statusListeners []StatusListener
	running         bool
	closed          bool
	done            chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger replaces the hub's logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithReconnectDelay sets the delay between reconnect attempts.
func WithReconnectDelay(delay time.Duration) Option {
	return func(h *Hub) { h.reconnectDelay = delay }
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = timeout }
}

// New creates a hub. The name identifies the hub in log lines; the URL is the
// ws:// or wss:// endpoint of a convoke Socket route.
func New(name, url string, opts ...Option) *Hub {
	h := &Hub{
		name:           name,
		url:            url,
		logger:         slog.Default(),
		reconnectDelay: 2 * time.Second,
		writeTimeout:   10 * time.Second,
		handlers:       map[string][]HandlerFunc{},
		pending:        map[string]chan json.RawMessage{},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// On registers a listener for an event. All listeners registered for the same
// event run in registration order on every matching inbound frame.
func (h *Hub) On(event string, fn HandlerFunc) *Hub {
	h.mu.Lock()
	h.handlers[event] = append(h.handlers[event], fn)
	h.mu.Unlock()
	return h
}

// Off removes all listeners for an event.
func (h *Hub) Off(event string) *Hub {
	h.mu.Lock()
	delete(h.handlers, event)
	h.mu.Unlock()
	return h
}

// AddStatusListener registers a listener invoked on every connect and
// disconnect transition, in registration order. A panicking listener does not
// prevent the remaining listeners from running.
func (h *Hub) AddStatusListener(fn StatusListener) *Hub {
	h.mu.Lock()
	h.statusListeners = append(h.statusListeners, fn)
	h.mu.Unlock()
	return h
}

// Connected reports whether the hub currently holds a live connection.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Run connects to the server and keeps the session alive, reconnecting after
// the configured delay until the context is cancelled or the hub is closed.
// Run returns nil on Close or context cancellation.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.running {
		h.mu.Unlock()
		return errors.New("hub already running")
	}
	h.running = true
	h.mu.Unlock()

	for {
		err := h.connectAndListen(ctx)
		if h.isClosed() || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.logger.Warn("connection lost, reconnecting",
				"hub", h.name, "delay", h.reconnectDelay, "error", err)
		}

		select {
		case <-time.After(h.reconnectDelay):
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		}
	}
}

func (h *Hub) connectAndListen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		h.notifyStatus(false, fmt.Errorf("dial %s: %w", h.url, err))
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "hub closed")
		return ErrClosed
	}
	h.conn = conn
	h.mu.Unlock()

	h.logger.Info("connected", "hub", h.name, "url", h.url)
	h.notifyStatus(true, nil)

	readErr := h.readLoop(ctx, conn)

	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")

	h.failPending(ErrNotConnected)
	h.notifyStatus(false, readErr)
	return readErr
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		h.handleMessage(data)
	}
}

func (h *Hub) handleMessage(data []byte) {
	frame, err := convoke.DecodeFrame(data)
	if err != nil {
		h.logger.Debug("dropping undecodable frame", "hub", h.name, "error", err)
		return
	}

	// A correlation ID routes the frame to its pending call. A reply arriving
	// after the call timed out finds no entry and is discarded.
	if frame.CorrelationID != "" {
		h.mu.Lock()
		ch, ok := h.pending[frame.CorrelationID]
		if ok {
			delete(h.pending, frame.CorrelationID)
		}
		h.mu.Unlock()
		if !ok {
			h.logger.Debug("discarding late reply", "hub", h.name, "correlationId", frame.CorrelationID)
			return
		}
		ch <- frame.Data
		return
	}

	h.mu.Lock()
	listeners := make([]HandlerFunc, len(h.handlers[frame.Event]))
	copy(listeners, h.handlers[frame.Event])
	h.mu.Unlock()

	if len(listeners) == 0 {
		h.logger.Debug("no listener for event", "hub", h.name, "event", frame.Event)
		return
	}
	for _, fn := range listeners {
		h.invokeListener(frame.Event, fn, frame.Data)
	}
}

func (h *Hub) invokeListener(event string, fn HandlerFunc, data json.RawMessage) {
	defer func() {
		if maybeErr := recover(); maybeErr != nil {
			h.logger.Error("event listener panic", "hub", h.name, "event", event, "error", fmt.Sprintf("%v", maybeErr))
		}
	}()
	fn(data)
}

// Emit sends a fire-and-forget event frame with no correlation ID.
func (h *Hub) Emit(event string, data any) error {
	return h.send(event, data, "")
}

// EmitWithTimeout sends an event frame with a fresh correlation ID and waits
// for the correlated reply. The reply and the timer race; whichever resolves
// first wins and the loser's effect is discarded. The pending call is removed
// in both cases, so the exchange is at-most-once with no retry.
func (h *Hub) EmitWithTimeout(event string, data any, timeout time.Duration) (json.RawMessage, error) {
	correlationID := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.pending[correlationID] = ch
	h.mu.Unlock()

	removePending := func() {
		h.mu.Lock()
		delete(h.pending, correlationID)
		h.mu.Unlock()
	}

	if err := h.send(event, data, correlationID); err != nil {
		removePending()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		removePending()
		h.logger.Warn("request timed out", "hub", h.name, "event", event, "timeout", timeout)
		return nil, ErrTimeout
	case <-h.done:
		removePending()
		return nil, ErrClosed
	}
}

func (h *Hub) send(event string, data any, correlationID string) error {
	h.mu.Lock()
	conn := h.conn
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	encoded, err := convoke.EncodeFrame(event, data, correlationID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, encoded); err != nil {
		return fmt.Errorf("send %q: %w", event, err)
	}
	return nil
}

// Close shuts the hub down. All outstanding pending calls resolve with an
// error, and the connection, if any, is closed. Close is idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conn := h.conn
	h.conn = nil
	close(h.done)
	h.mu.Unlock()

	h.failPending(ErrClosed)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	h.logger.Info("hub closed", "hub", h.name)
	return nil
}

// failPending resolves every outstanding pending call by closing its channel.
// Waiters treat a closed channel as a connection error, so no call is ever
// left unresolved.
func (h *Hub) failPending(cause error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = map[string]chan json.RawMessage{}
	h.mu.Unlock()

	for id, ch := range pending {
		close(ch)
		h.logger.Debug("pending call aborted", "hub", h.name, "correlationId", id, "cause", cause)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) notifyStatus(connected bool, err error) {
	h.mu.Lock()
	listeners := make([]StatusListener, len(h.statusListeners))
	copy(listeners, h.statusListeners)
	h.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if maybeErr := recover(); maybeErr != nil {
					h.logger.Error("status listener panic", "hub", h.name, "error", fmt.Sprintf("%v", maybeErr))
				}
			}()
			fn(connected, err)
		}()
	}
}
