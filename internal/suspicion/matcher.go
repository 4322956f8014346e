package suspicion

import (
	"regexp"
	"sync/atomic"
)

// Classifier reports whether a request looks automated or hostile.
type Classifier interface {
	Suspicious(path, userAgent string) bool
}

// Matcher is a compiled Policy. Safe for concurrent use.
type Matcher struct {
	version string
	paths   []rule
	agents  []rule
}

type rule struct {
	src string
	re  *regexp.Regexp
}

func compileRules(pats []string) []rule {
	out := make([]rule, 0, len(pats))
	for _, pat := range pats {
		out = append(out, rule{src: pat, re: regexp.MustCompile("(?i)" + pat)})
	}
	return out
}

// Compile validates p and builds a Matcher. Patterns match case-insensitively.
func Compile(p Policy) (*Matcher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Matcher{
		version: p.Version,
		paths:   compileRules(p.PathPatterns),
		agents:  compileRules(p.UserAgentPatterns),
	}, nil
}

// MustDefault compiles the built-in policy.
func MustDefault() *Matcher {
	m, err := Compile(Default())
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Matcher) Version() string { return m.version }

func (m *Matcher) Suspicious(path, userAgent string) bool {
	_, ok := m.Match(path, userAgent)
	return ok
}

// Match returns the first matching pattern, prefixed with "path:" or "ua:".
func (m *Matcher) Match(path, userAgent string) (string, bool) {
	for _, r := range m.paths {
		if r.re.MatchString(path) {
			return "path:" + r.src, true
		}
	}
	if userAgent == "" {
		return "", false
	}
	for _, r := range m.agents {
		if r.re.MatchString(userAgent) {
			return "ua:" + r.src, true
		}
	}
	return "", false
}

// Holder is a Classifier whose Matcher can be replaced while requests are in
// flight. An empty Holder classifies nothing as suspicious.
type Holder struct {
	cur atomic.Pointer[Matcher]
}

func NewHolder(m *Matcher) *Holder {
	h := &Holder{}
	h.Swap(m)
	return h
}

// Swap installs m and returns the previous matcher.
func (h *Holder) Swap(m *Matcher) *Matcher { return h.cur.Swap(m) }

// Current returns the active matcher, nil when none is installed.
func (h *Holder) Current() *Matcher { return h.cur.Load() }

func (h *Holder) Suspicious(path, userAgent string) bool {
	m := h.cur.Load()
	if m == nil {
		return false
	}
	return m.Suspicious(path, userAgent)
}
