package convoke

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
)

// RequestContext carries a single request through the middleware pipeline. The
// Args bag is populated by the argument-merge stage from the query string, the
// decoded body, and the path parameters, with path parameters overriding body
// fields and body fields overriding query parameters on key collision.
type RequestContext struct {
	// Request is the underlying HTTP request.
	Request *http.Request

	// Args is the merged argument bag. When authentication is enabled, the
	// verified principal is available under the "user" key.
	Args map[string]any

	// Principal is the verified identity, or nil when authentication is
	// disabled or the route ignores it.
	Principal any

	route    *route
	params   map[string]string
	res      http.ResponseWriter
	status   int
	hijacked bool
	logger   *slog.Logger
}

// Param returns a path parameter extracted during route resolution.
func (c *RequestContext) Param(key string) string {
	return c.params[key]
}

// Arg returns a merged argument by key, or nil when absent.
func (c *RequestContext) Arg(key string) any {
	return c.Args[key]
}

// ArgString returns a merged argument coerced to a string. Non-string values
// and absent keys yield an empty string.
func (c *RequestContext) ArgString(key string) string {
	if v, ok := c.Args[key].(string); ok {
		return v
	}
	return ""
}

// Logger returns the server's logger.
func (c *RequestContext) Logger() *slog.Logger {
	return c.logger
}

// Next passes control to the next pipeline stage.
type Next func() *Result

// Stage is one middleware stage. A stage may call next and observe its result,
// or short-circuit by returning its own envelope without calling next.
type Stage func(ctx *RequestContext, next Next) *Result

// pipeline is the fixed, ordered middleware chain. It is built once per server
// and shared across requests; the order guarantees authentication always runs
// before the handler executes.
type pipeline struct {
	stages []Stage
}

func newPipeline(stages ...Stage) *pipeline {
	return &pipeline{stages: stages}
}

func (p *pipeline) run(ctx *RequestContext) *Result {
	var exec func(i int) *Result
	exec = func(i int) *Result {
		if i >= len(p.stages) {
			return nil
		}
		return p.stages[i](ctx, func() *Result {
			return exec(i + 1)
		})
	}
	return exec(0)
}

// mergeArgsStage builds the argument bag. Later sources override earlier ones
// on key collision: path params > body fields > query params.
func (s *Server) mergeArgsStage(ctx *RequestContext, next Next) *Result {
	args := map[string]any{}

	for key, values := range ctx.Request.URL.Query() {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}

	contentType := ctx.Request.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var body map[string]any
		if err := json.NewDecoder(ctx.Request.Body).Decode(&body); err != nil {
			s.logger.Debug("ignoring undecodable json body", "error", err)
		} else {
			for key, value := range body {
				args[key] = value
			}
		}
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		if err := ctx.Request.ParseForm(); err == nil {
			for key, values := range ctx.Request.PostForm {
				if len(values) > 0 {
					args[key] = values[0]
				}
			}
		}
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := ctx.Request.ParseMultipartForm(s.maxMemory); err == nil {
			for key, values := range ctx.Request.PostForm {
				if len(values) > 0 {
					args[key] = values[0]
				}
			}
		}
	}

	for key, value := range ctx.params {
		args[key] = value
	}

	ctx.Args = args
	return next()
}

// invokeStage calls the resolved handler. For WebSocket endpoints it performs
// the upgrade and takes over the connection instead of producing an envelope.
func (s *Server) invokeStage(ctx *RequestContext, _ Next) *Result {
	if ctx.route.kind == kindSocket {
		if !isWebsocketUpgradeRequest(ctx.Request) {
			ctx.status = http.StatusBadRequest
			return Fail("expected websocket upgrade request")
		}
		s.upgrade(ctx)
		ctx.hijacked = true
		return nil
	}
	return s.safeInvoke(ctx)
}

// safeInvoke runs the handler, converting a panic into a generic failure
// envelope. The original detail is logged, never sent to the caller.
func (s *Server) safeInvoke(ctx *RequestContext) (res *Result) {
	defer func() {
		if maybeErr := recover(); maybeErr != nil {
			s.logger.Error("handler panic",
				"route", ctx.route.name,
				"error", fmt.Sprintf("%v", maybeErr),
				"stack", string(debug.Stack()))
			ctx.status = http.StatusInternalServerError
			res = Fail("internal server error")
		}
	}()
	res = ctx.route.handler(ctx)
	if res == nil {
		res = OK(nil)
	}
	return res
}
