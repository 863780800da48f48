// Package convoke provides a convention-driven request and event dispatch
// layer for Go web services.
//
// Convoke maps incoming HTTP requests and WebSocket events to handlers using
// naming conventions, runs them through a fixed middleware pipeline, and
// normalizes every outcome into a uniform result envelope.
//
// # Key Features
//
//   - Convention-based routing: handler names derive routes and HTTP methods
//   - Fixed middleware pipeline: argument merging, authentication, invocation
//   - WebSocket endpoints with named event handlers and request/reply correlation
//   - Server-side broadcast across all established connections
//   - A client hub with reconnect, event listeners, and emit-with-timeout
//
// # Quick Start
//
// Create a server and register handlers by name. The name's suffix selects the
// HTTP method and the prefix (underscores become path separators) selects the
// path:
//
//	server := convoke.NewServer(nil)
//
//	// GET /user/info
//	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
//	    return convoke.OK(map[string]any{"name": "alice"})
//	})
//
//	// WebSocket endpoint at GET /chat
//	server.Handle("chatSocket", func(ctx *convoke.RequestContext, conn *convoke.Conn) {
//	    _ = conn.Emit("welcome", map[string]any{"id": conn.ID()})
//	})
//
//	// WebSocket event "join_room"
//	server.Handle("join_roomEvent", func(ctx *convoke.EventContext) *convoke.Result {
//	    var req struct {
//	        RoomID string `json:"room_id"`
//	    }
//	    if err := ctx.Unmarshal(&req); err != nil {
//	        return convoke.Fail("invalid payload")
//	    }
//	    return convoke.OK(map[string]any{"room": req.RoomID})
//	})
//
//	http.ListenAndServe(":8080", server)
//
// # Naming Convention
//
// A handler named <segments><Verb> produces path /segments with the HTTP
// method Verb, where segments use '_' as a path separator. Supported verbs are
// Get, Post, Put, Delete, Patch, Action (GET and POST), Socket (WebSocket
// endpoint) and Event (WebSocket event). A segment wrapped in braces is a path
// parameter:
//
//	"user_infoGet"        GET  /user/info
//	"user_{id}Get"        GET  /user/{id}
//	"uploadPost"          POST /upload
//	"loginAction"         GET and POST /login
//	"indexGet"            GET / (also /index)
//	"chatSocket"          WebSocket endpoint at GET /chat
//	"join_roomEvent"      WebSocket event named "join_room"
//
// Two handlers that derive the same method and path conflict, and registration
// panics at startup rather than failing at request time.
//
// # Result Envelope
//
// Every HTTP response and every correlated WebSocket reply is serialized as
// {"success": bool, "data": ..., "msg": ""}. Handlers construct envelopes with
// OK and Fail. Handler panics are recovered and surface as a generic failure
// envelope with the detail logged, never exposed.
//
// # Authentication
//
// Configure a TokenVerifier to protect all routes. Routes registered with the
// IgnoreAuth option skip verification. On success the principal is injected
// into the handler's arguments under the "user" key:
//
//	server.SetVerifier(jwtverify.New("secret"))
//	server.Handle("loginPost", loginHandler, convoke.IgnoreAuth())
//
// # Wire Format
//
// WebSocket frames are JSON messages with an event name, an optional payload,
// and an optional correlation ID for request/reply exchanges:
//
//	{"event": "join_room", "data": {"room_id": "general"}, "correlationId": "c1"}
//
// For the client side of this protocol, see the client subpackage.
package convoke
