package convoke

// HandlerFunc handles an HTTP request resolved through the naming convention.
// The context carries the merged argument bag and, when authentication is
// enabled, the verified principal. The returned envelope is serialized as the
// response body.
type HandlerFunc func(ctx *RequestContext) *Result

// SocketHandlerFunc is the one-shot handler invoked exactly once after a
// WebSocket endpoint upgrade succeeds. It may push initial events through the
// connection. It returns nothing; the connection's reply channel is driven by
// event handlers.
type SocketHandlerFunc func(ctx *RequestContext, conn *Conn)

// EventHandlerFunc handles a named WebSocket event. Returning a non-nil
// envelope sends it back to the peer: as the correlated reply when the inbound
// frame carried a correlation ID and Reply was not called explicitly, or as a
// plain event frame otherwise. Returning nil sends nothing.
type EventHandlerFunc func(ctx *EventContext) *Result

type routeOptions struct {
	ignoreAuth bool
}

// RouteOption configures a route at registration time.
type RouteOption func(*routeOptions)

// IgnoreAuth exempts the route from token verification. The verifier is never
// consulted for requests to routes registered with this option.
func IgnoreAuth() RouteOption {
	return func(o *routeOptions) {
		o.ignoreAuth = true
	}
}
