package convoke

import (
	"errors"
	"fmt"
	"strings"
)

type routeKind int

const (
	kindHTTP routeKind = iota
	kindSocket
	kindEvent
)

// verbSuffixes maps handler name suffixes to the HTTP methods they register.
// Longer suffixes are listed first so that matching is unambiguous. Socket and
// Event are pseudo-verbs selecting the WebSocket endpoint and event kinds.
var verbSuffixes = []struct {
	suffix  string
	methods []string
	kind    routeKind
}{
	{"Delete", []string{"DELETE"}, kindHTTP},
	{"Action", []string{"GET", "POST"}, kindHTTP},
	{"Socket", []string{"GET"}, kindSocket},
	{"Event", nil, kindEvent},
	{"Patch", []string{"PATCH"}, kindHTTP},
	{"Post", []string{"POST"}, kindHTTP},
	{"Put", []string{"PUT"}, kindHTTP},
	{"Get", []string{"GET"}, kindHTTP},
}

// routeName is the result of parsing a handler name. It is a pure function of
// the name: parsing the same name always yields the same routes.
type routeName struct {
	kind    routeKind
	methods []string
	path    string
	aliases []string
	event   string
}

// parseRouteName derives a route descriptor from a handler name following the
// naming convention. The trailing verb selects the HTTP method, the remaining
// prefix becomes the path with '_' as segment separator, and a segment wrapped
// in braces is a path parameter. The bare "index" prefix maps to "/" with an
// "/index" alias.
func parseRouteName(name string) (*routeName, error) {
	for _, verb := range verbSuffixes {
		if !strings.HasSuffix(name, verb.suffix) || len(name) == len(verb.suffix) {
			continue
		}
		prefix := strings.TrimSuffix(name, verb.suffix)

		if verb.kind == kindEvent {
			return &routeName{kind: kindEvent, event: prefix}, nil
		}

		path, err := pathFromPrefix(prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid handler name %q: %w", name, err)
		}

		rn := &routeName{
			kind:    verb.kind,
			methods: verb.methods,
			path:    path,
		}
		if prefix == "index" {
			rn.path = "/"
			rn.aliases = []string{"/index"}
		}
		return rn, nil
	}
	return nil, fmt.Errorf("invalid handler name %q: no verb suffix (Get, Post, Put, Delete, Patch, Action, Socket or Event)", name)
}

func pathFromPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("empty path prefix")
	}
	segments := strings.Split(prefix, "_")
	for _, segment := range segments {
		if segment == "" {
			return "", errors.New("empty path segment")
		}
		if strings.HasPrefix(segment, "{") != strings.HasSuffix(segment, "}") {
			return "", fmt.Errorf("unbalanced braces in segment %q", segment)
		}
		if segment == "{}" {
			return "", errors.New("unnamed path parameter")
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}
