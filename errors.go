package convoke

import (
	"errors"
	"fmt"
)

// ErrSocketClosed is returned when sending on a connection that has already
// transitioned to the closed state.
var ErrSocketClosed = errors.New("socket closed")

// ErrNoCorrelation is returned by EventContext.Reply when the inbound frame
// carried no correlation ID, meaning the peer is not waiting for a reply.
var ErrNoCorrelation = errors.New("message has no correlation id")

// RouteConflictError reports two handler names deriving the same method and
// path. Route conflicts are detected at registration time and are fatal.
type RouteConflictError struct {
	Method string
	Path   string
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("route conflict: %s %s is already registered", e.Method, e.Path)
}

// EventConflictError reports two handler names deriving the same event name.
type EventConflictError struct {
	Event string
}

func (e *EventConflictError) Error() string {
	return fmt.Sprintf("event conflict: %q is already registered", e.Event)
}
