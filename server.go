package convoke

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/coder/websocket"
	"github.com/kelseyhightower/envconfig"
)

// Options configures a Server. The zero value is usable; OptionsFromEnv reads
// the same fields from CONVOKE_* environment variables.
type Options struct {
	// Addr is the listen address used by ListenAndServe.
	Addr string `envconfig:"ADDR" default:":8080"`

	// Origins are the allowed origin patterns for WebSocket upgrades. Empty
	// allows all origins.
	Origins []string `envconfig:"ORIGINS"`

	// MaxMemory bounds in-memory multipart form parsing, in bytes.
	MaxMemory int64 `envconfig:"MAX_MEMORY" default:"10485760"`

	// Secret is the shared token-signing secret. The server core does not read
	// it; it is carried here so wiring code can build a verifier from the same
	// configuration. Empty leaves authentication disabled.
	Secret string `envconfig:"SECRET"`

	// ReconnectDelay and RequestTimeout are defaults handed to clients built
	// from the same configuration; the server itself does not use them.
	ReconnectDelay time.Duration `envconfig:"RECONNECT_DELAY" default:"2s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
}

// OptionsFromEnv builds Options from CONVOKE_* environment variables.
func OptionsFromEnv() (*Options, error) {
	opts := &Options{}
	if err := envconfig.Process("convoke", opts); err != nil {
		return nil, fmt.Errorf("load options: %w", err)
	}
	return opts, nil
}

// Relay publishes broadcast frames to sibling server instances. See the
// natsbridge subpackage for a NATS-backed implementation.
type Relay interface {
	Publish(event string, data any) error
}

// Server dispatches HTTP requests and WebSocket events to handlers registered
// by name. It implements http.Handler, so it can be mounted directly or under
// any HTTP router.
type Server struct {
	logger    *slog.Logger
	verifier  TokenVerifier
	table     *routeTable
	registry  *Registry
	pipeline  *pipeline
	relay     Relay
	origins   []string
	addr      string
	maxMemory int64
}

var _ http.Handler = &Server{}

// NewServer creates a server. A nil opts uses defaults.
func NewServer(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	maxMemory := opts.MaxMemory
	if maxMemory <= 0 {
		maxMemory = 10 << 20
	}
	s := &Server{
		logger:    slog.Default(),
		table:     newRouteTable(),
		registry:  newRegistry(),
		origins:   opts.Origins,
		addr:      opts.Addr,
		maxMemory: maxMemory,
	}
	s.pipeline = newPipeline(s.mergeArgsStage, s.authStage, s.invokeStage)
	return s
}

// SetLogger replaces the server's logger. The default is slog.Default().
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetVerifier enables the authentication stage. Without a verifier the stage
// is a pass-through.
func (s *Server) SetVerifier(verifier TokenVerifier) {
	s.verifier = verifier
}

// SetRelay attaches a broadcast relay. Broadcast then also publishes each
// frame through the relay so sibling instances can deliver it to their own
// connections.
func (s *Server) SetRelay(relay Relay) {
	s.relay = relay
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handle registers a handler under a convention name. The handler's type must
// match the kind the name derives: func(*RequestContext) *Result for HTTP
// verbs, func(*RequestContext, *Conn) for Socket, and
// func(*EventContext) *Result for Event. Registration problems, including
// route and event conflicts, are configuration errors and panic.
func (s *Server) Handle(name string, handler any, opts ...RouteOption) {
	options := routeOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if err := s.table.add(name, handler, options); err != nil {
		panic(err)
	}
}

// ServeHTTP resolves the request against the derived route table and runs the
// middleware pipeline. WebSocket endpoint routes upgrade the connection and
// hand it to the event loop instead of writing an envelope.
func (s *Server) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	matched, params, ok := s.table.resolve(req.Method, req.URL.Path)
	if !ok {
		s.writeResult(res, http.StatusNotFound, Fail("not found"))
		return
	}

	ctx := &RequestContext{
		Request: req,
		route:   matched,
		params:  params,
		res:     res,
		logger:  s.logger,
	}

	result := s.pipeline.run(ctx)
	if ctx.hijacked {
		return
	}
	if result == nil {
		result = OK(nil)
	}

	status := ctx.status
	if status == 0 {
		status = http.StatusOK
	}
	s.writeResult(res, status, result)
}

// ListenAndServe starts an HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s)
}

// Broadcast sends an event frame to every established connection. A send
// fault closes the affected connection without aborting delivery to the
// others. When a relay is attached the frame is also published to sibling
// instances. No ordering is guaranteed across connections.
func (s *Server) Broadcast(event string, data any) {
	s.BroadcastLocal(event, data)
	if s.relay != nil {
		if err := s.relay.Publish(event, data); err != nil {
			s.logger.Warn("broadcast relay publish failed", "event", event, "error", err)
		}
	}
}

// BroadcastLocal is Broadcast restricted to this instance's connections.
func (s *Server) BroadcastLocal(event string, data any) {
	s.BroadcastFilter(event, data, nil)
}

// BroadcastFilter sends an event frame to every established connection the
// filter accepts. A nil filter accepts all connections.
func (s *Server) BroadcastFilter(event string, data any, filter func(*Conn) bool) {
	for _, conn := range s.registry.snapshot() {
		if filter != nil && !filter(conn) {
			continue
		}
		if err := conn.Emit(event, data); err != nil {
			s.logger.Warn("broadcast delivery failed", "event", event, "conn", conn.ID(), "error", err)
		}
	}
}

// HandleConnection drives the event loop for a custom transport. The path must
// resolve to a registered Socket endpoint. The connection is registered,
// the endpoint's one-shot handler runs once, and inbound frames are dispatched
// until the transport reports closure. This is how transports other than the
// built-in websocket upgrade integrate with the server; it also serves tests.
func (s *Server) HandleConnection(path string, transport SocketConnection) error {
	matched, params, ok := s.table.resolve(http.MethodGet, path)
	if !ok || matched.kind != kindSocket {
		return fmt.Errorf("no websocket endpoint at %q", path)
	}
	ctx := &RequestContext{
		Request: &http.Request{Method: http.MethodGet},
		Args:    map[string]any{},
		route:   matched,
		params:  params,
		logger:  s.logger,
	}
	s.serveConn(ctx, transport)
	return nil
}

func (s *Server) upgrade(ctx *RequestContext) {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	wsConn, err := websocket.Accept(ctx.res, ctx.Request, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "route", ctx.route.name, "error", err)
		return
	}

	s.serveConn(ctx, NewWebSocketConnection(wsConn))
}

// serveConn owns one connection from establishment to close. The read loop
// runs on the calling goroutine and dispatches frames in arrival order.
func (s *Server) serveConn(ctx *RequestContext, transport SocketConnection) {
	conn := newConn(transport, ctx.Principal, s.logger, func(c *Conn) {
		s.registry.remove(c.id)
	})
	s.registry.add(conn)
	conn.establish()
	defer func() {
		_ = conn.Close()
	}()

	s.safeInvokeOpen(ctx, conn)

	for {
		msg, err := transport.Read(conn.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 && status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("connection closed", "conn", conn.ID(), "status", status)
			}
			return
		}

		frame, err := DecodeFrame(msg.Data)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", "conn", conn.ID(), "error", err)
			continue
		}
		s.dispatchEvent(conn, frame)
	}
}

// dispatchEvent routes one inbound frame to its event handler. Unknown events
// are dropped with a diagnostic; they are not fatal to the connection.
func (s *Server) dispatchEvent(conn *Conn, frame *Frame) {
	handler, ok := s.table.event(frame.Event)
	if !ok {
		s.logger.Debug("no handler for event", "event", frame.Event, "conn", conn.ID())
		return
	}

	ctx := &EventContext{
		conn:          conn,
		event:         frame.Event,
		data:          frame.Data,
		correlationID: frame.CorrelationID,
		logger:        s.logger,
	}

	result, panicked := s.safeInvokeEvent(handler, ctx)

	if frame.CorrelationID != "" {
		if panicked {
			if err := ctx.Reply(Fail("internal server error")); err != nil {
				s.logger.Warn("failed to send error reply", "event", frame.Event, "error", err)
			}
			return
		}
		// The handler's return value becomes the reply unless the handler
		// already replied explicitly.
		if result != nil && !ctx.hasReplied() {
			if err := ctx.Reply(result); err != nil {
				s.logger.Warn("failed to send reply", "event", frame.Event, "error", err)
			}
		}
		return
	}

	// Without a correlation ID there is no reply channel. Faults are logged
	// and dropped; a non-nil result is emitted as a plain event.
	if !panicked && result != nil {
		if err := conn.Emit(frame.Event, result); err != nil {
			s.logger.Warn("failed to emit event result", "event", frame.Event, "error", err)
		}
	}
}

func (s *Server) safeInvokeEvent(handler EventHandlerFunc, ctx *EventContext) (result *Result, panicked bool) {
	defer func() {
		if maybeErr := recover(); maybeErr != nil {
			s.logger.Error("event handler panic",
				"event", ctx.event,
				"error", fmt.Sprintf("%v", maybeErr),
				"stack", string(debug.Stack()))
			result = nil
			panicked = true
		}
	}()
	return handler(ctx), false
}

func (s *Server) safeInvokeOpen(ctx *RequestContext, conn *Conn) {
	defer func() {
		if maybeErr := recover(); maybeErr != nil {
			s.logger.Error("socket open handler panic",
				"route", ctx.route.name,
				"error", fmt.Sprintf("%v", maybeErr),
				"stack", string(debug.Stack()))
		}
	}()
	if ctx.route.socket != nil {
		ctx.route.socket(ctx, conn)
	}
}

func (s *Server) writeResult(res http.ResponseWriter, status int, result *Result) {
	res.Header().Set("Content-Type", "application/json; charset=utf-8")
	res.WriteHeader(status)
	if err := json.NewEncoder(res).Encode(result); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func isWebsocketUpgradeRequest(req *http.Request) bool {
	return req.Header.Get("Upgrade") == "websocket"
}
