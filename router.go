package convoke

import (
	"fmt"
	"reflect"
	"sort"
)

// route is an immutable entry in the route table, derived from a handler name
// at registration time.
type route struct {
	name       string
	method     string
	pattern    *pattern
	kind       routeKind
	handler    HandlerFunc
	socket     SocketHandlerFunc
	ignoreAuth bool
	order      int
}

// routeTable holds the derived routes and event handlers for a server. It is
// built once during registration and read-only afterwards. Fully static routes
// live in an exact-match map; parameterized routes are kept per method, ordered
// so that static segments take precedence over parameter slots at the same
// position.
type routeTable struct {
	static  map[string]*route
	dynamic map[string][]*route
	events  map[string]EventHandlerFunc
	nextOrd int
}

func newRouteTable() *routeTable {
	return &routeTable{
		static:  map[string]*route{},
		dynamic: map[string][]*route{},
		events:  map[string]EventHandlerFunc{},
	}
}

func (t *routeTable) add(name string, handler any, opts routeOptions) error {
	rn, err := parseRouteName(name)
	if err != nil {
		return err
	}

	if rn.kind == kindEvent {
		eventHandler, err := asEventHandler(handler)
		if err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		if _, ok := t.events[rn.event]; ok {
			return &EventConflictError{Event: rn.event}
		}
		t.events[rn.event] = eventHandler
		return nil
	}

	entry := &route{
		name:       name,
		kind:       rn.kind,
		ignoreAuth: opts.ignoreAuth,
	}
	switch rn.kind {
	case kindSocket:
		socketHandler, err := asSocketHandler(handler)
		if err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		entry.socket = socketHandler
	default:
		httpHandler, err := asHTTPHandler(handler)
		if err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		entry.handler = httpHandler
	}

	paths := append([]string{rn.path}, rn.aliases...)
	for _, method := range rn.methods {
		for _, path := range paths {
			if err := t.insert(method, path, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *routeTable) insert(method, path string, entry *route) error {
	pat, err := newPattern(path)
	if err != nil {
		return fmt.Errorf("handler %q: %w", entry.name, err)
	}

	bound := *entry
	bound.method = method
	bound.pattern = pat
	bound.order = t.nextOrd
	t.nextOrd += 1

	if pat.isStatic() {
		key := method + " " + normalizePath(path)
		if _, ok := t.static[key]; ok {
			return &RouteConflictError{Method: method, Path: path}
		}
		t.static[key] = &bound
		return nil
	}

	for _, existing := range t.dynamic[method] {
		if existing.pattern.shape() == pat.shape() {
			return &RouteConflictError{Method: method, Path: path}
		}
	}
	t.dynamic[method] = append(t.dynamic[method], &bound)
	sort.SliceStable(t.dynamic[method], func(i, j int) bool {
		a, b := t.dynamic[method][i], t.dynamic[method][j]
		if moreSpecific(a.pattern, b.pattern) {
			return true
		}
		if moreSpecific(b.pattern, a.pattern) {
			return false
		}
		return a.order < b.order
	})
	return nil
}

// resolve matches a request to a route and extracts the path parameters.
// Static routes always win over parameterized ones. Resolution is pure:
// resolving the same method and path twice yields the same route and params.
func (t *routeTable) resolve(method, path string) (*route, map[string]string, bool) {
	if entry, ok := t.static[method+" "+normalizePath(path)]; ok {
		return entry, nil, true
	}
	for _, entry := range t.dynamic[method] {
		if params, ok := entry.pattern.match(path); ok {
			return entry, params, true
		}
	}
	return nil, nil, false
}

func (t *routeTable) event(name string) (EventHandlerFunc, bool) {
	handler, ok := t.events[name]
	return handler, ok
}

func asHTTPHandler(handler any) (HandlerFunc, error) {
	switch h := handler.(type) {
	case HandlerFunc:
		return h, nil
	case func(ctx *RequestContext) *Result:
		return h, nil
	}
	return nil, fmt.Errorf("invalid handler type %s: want func(*RequestContext) *Result", reflect.TypeOf(handler))
}

func asSocketHandler(handler any) (SocketHandlerFunc, error) {
	switch h := handler.(type) {
	case SocketHandlerFunc:
		return h, nil
	case func(ctx *RequestContext, conn *Conn):
		return h, nil
	}
	return nil, fmt.Errorf("invalid handler type %s: want func(*RequestContext, *Conn)", reflect.TypeOf(handler))
}

func asEventHandler(handler any) (EventHandlerFunc, error) {
	switch h := handler.(type) {
	case EventHandlerFunc:
		return h, nil
	case func(ctx *EventContext) *Result:
		return h, nil
	}
	return nil, fmt.Errorf("invalid handler type %s: want func(*EventContext) *Result", reflect.TypeOf(handler))
}
