package convoke

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/regexp"
)

// pattern is a compiled path template made of static segments and {name}
// parameter slots. Fully static patterns are matched by exact comparison;
// parameterized patterns compile to an anchored regular expression with one
// named group per slot.
type pattern struct {
	str      string
	segments []segment
	regExp   *regexp.Regexp
}

type segment struct {
	static string
	param  string
}

func newPattern(path string) (*pattern, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errors.New("pattern must start with a leading slash")
	}

	p := &pattern{str: path}
	if path != "/" {
		for _, raw := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
			if raw == "" {
				return nil, errors.New("pattern contains an empty segment")
			}
			if strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}") {
				name := raw[1 : len(raw)-1]
				if name == "" {
					return nil, errors.New("pattern contains an unnamed parameter")
				}
				p.segments = append(p.segments, segment{param: name})
			} else {
				p.segments = append(p.segments, segment{static: raw})
			}
		}
	}

	if !p.isStatic() {
		regExp, err := regExpFromSegments(p.segments)
		if err != nil {
			return nil, err
		}
		p.regExp = regExp
	}

	return p, nil
}

func regExpFromSegments(segments []segment) (*regexp.Regexp, error) {
	regExpStr := "^"
	for _, s := range segments {
		if s.param != "" {
			regExpStr += "\\/(?P<" + s.param + ">[^\\/]+)"
		} else {
			regExpStr += "\\/" + regexp.QuoteMeta(s.static)
		}
	}
	regExpStr += "\\/?$"

	regExp, err := regexp.Compile(regExpStr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	return regExp, nil
}

func (p *pattern) isStatic() bool {
	for _, s := range p.segments {
		if s.param != "" {
			return false
		}
	}
	return true
}

// shape returns the pattern with parameter names erased. Two patterns with the
// same shape match the same set of paths and therefore conflict.
func (p *pattern) shape() string {
	if len(p.segments) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		if s.param != "" {
			b.WriteByte('*')
		} else {
			b.WriteString(s.static)
		}
	}
	return b.String()
}

// match compares a path to the pattern and extracts the named parameters.
func (p *pattern) match(path string) (map[string]string, bool) {
	if p.regExp == nil {
		if normalizePath(path) == normalizePath(p.str) {
			return nil, true
		}
		return nil, false
	}

	matches := p.regExp.FindStringSubmatch(path)
	if len(matches) == 0 {
		return nil, false
	}

	keys := p.regExp.SubexpNames()
	params := make(map[string]string, len(keys))
	for i := 1; i < len(keys); i += 1 {
		if keys[i] != "" {
			params[keys[i]] = matches[i]
		}
	}
	return params, true
}

// moreSpecific reports whether a should be tried before b when resolving a
// path. Comparing segment kinds left to right, a static segment beats a
// parameter slot at the same position. Ties keep registration order.
func moreSpecific(a, b *pattern) bool {
	for i := 0; i < len(a.segments) && i < len(b.segments); i += 1 {
		aStatic := a.segments[i].param == ""
		bStatic := b.segments[i].param == ""
		if aStatic != bStatic {
			return aStatic
		}
	}
	return false
}

func (p *pattern) String() string {
	return p.str
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}
