package broker

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"
)

// FilterKind selects how a filter's match expression is interpreted.
type FilterKind string

const (
	// FilterRegex matches the whole header value against a regular expression.
	FilterRegex FilterKind = "regex"
	// FilterGlob matches the header value against a glob pattern.
	FilterGlob FilterKind = "glob"
)

// Filter matches one event header.
type Filter struct {
	Header          string     `json:"header" validate:"required,max=100"`
	MatchExpression string     `json:"matchExpression" validate:"required,max=500"`
	Kind            FilterKind `json:"kind,omitempty" validate:"omitempty,oneof=regex glob"`
	NotMatch        bool       `json:"notMatch,omitempty"`
}

type matcher func(string) bool

func (f Filter) compile() (matcher, error) {
	switch f.Kind {
	case "", FilterRegex:
		re, err := regexp.Compile(`^(?:` + f.MatchExpression + `)$`)
		if err != nil {
			return nil, fmt.Errorf("filter on header %q: %w", f.Header, err)
		}
		return re.MatchString, nil
	case FilterGlob:
		g, err := glob.Compile(f.MatchExpression)
		if err != nil {
			return nil, fmt.Errorf("filter on header %q: %w", f.Header, err)
		}
		return g.Match, nil
	default:
		return nil, fmt.Errorf("filter on header %q: unknown kind %q", f.Header, f.Kind)
	}
}

// Matches evaluates the filter against the event headers. A missing header
// never satisfies a positive filter and always satisfies a negated one.
func (f Filter) Matches(headers map[string]string) (bool, error) {
	m, err := f.compile()
	if err != nil {
		return false, err
	}

	value, ok := headers[f.Header]
	if !ok {
		return f.NotMatch, nil
	}

	return m(value) != f.NotMatch, nil
}

// Accepts reports whether an event with the given headers must be delivered
// through this binding: the binding is enabled and either unfiltered or at
// least one of its filters matches.
func (ts TopicSubscription) Accepts(headers map[string]string) (bool, error) {
	if !ts.Enabled {
		return false, nil
	}
	if !ts.Filtered {
		return true, nil
	}

	for _, f := range ts.Filters {
		ok, err := f.Matches(headers)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if ok {
			return true, nil
		}
	}

	return false, nil
}
