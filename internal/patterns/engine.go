package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Vars supplies placeholder values for Substitute: MY_CALL, OTHER_CALL,
// OTHER_CALL_REAL, PROSIGN, TX_PROSIGN, CALL, PARK_REF, MY_PARK_REF
// (spec.md §3).
type Vars map[string]string

const (
	VarMyCall        = "MY_CALL"
	VarOtherCall     = "OTHER_CALL"
	VarOtherCallReal = "OTHER_CALL_REAL"
	VarProsign       = "PROSIGN"
	VarTxProsign     = "TX_PROSIGN"
	VarCall          = "CALL"
	VarParkRef       = "PARK_REF"
	VarMyParkRef     = "MY_PARK_REF"
)

var (
	// ErrNoSuchRule is returned by Engine.Match for an unknown rule key.
	ErrNoSuchRule = errors.New("patterns: no such rule key")
	// ErrNoSuchTemplate is returned by Engine.Render for an unknown tx key.
	ErrNoSuchTemplate = errors.New("patterns: no such template key")
	// ErrTemplateUnresolved marks a template left with an unresolved
	// {PLACEHOLDER} after substitution — spec.md §7's
	// config.template_unresolved failure mode.
	ErrTemplateUnresolved = errors.New("patterns: template has unresolved placeholder")
)

// Engine evaluates a Set against message text and render requests,
// substituting placeholders before regex compilation and caching
// compiled patterns by their substituted form (spec.md §4.3).
type Engine struct {
	set Set

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// NewEngine wraps a Set for matching/rendering.
func NewEngine(set Set) *Engine {
	return &Engine{set: set, cache: make(map[string]*regexp.Regexp)}
}

// Substitute replaces every {NAME} placeholder present in vars. Names
// absent from vars are left as literal {NAME} text in the result.
func Substitute(tmpl string, vars Vars) string {
	out := tmpl
	for name, val := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", val)
	}
	return out
}

// HasUnresolvedPlaceholder reports whether s still contains a
// brace-delimited placeholder after substitution.
func HasUnresolvedPlaceholder(s string) bool {
	open := strings.IndexByte(s, '{')
	if open < 0 {
		return false
	}
	return strings.IndexByte(s[open:], '}') >= 0
}

// Match reports whether text matches any regex alternative registered
// under ruleKey, trying each in order (first-match-wins semantics are
// the caller's concern — Match itself only needs a yes/no per key).
func (e *Engine) Match(ruleKey, text string, vars Vars) (bool, error) {
	alternatives, ok := e.set.Rules[ruleKey]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSuchRule, ruleKey)
	}
	for _, pattern := range alternatives {
		re, err := e.compiled(Substitute(pattern, vars))
		if err != nil {
			return false, fmt.Errorf("rule %q: %w", ruleKey, err)
		}
		if re.MatchString(text) {
			return true, nil
		}
	}
	return false, nil
}

// MatchAny reports the first ruleKey (in the order given) that text
// matches, along with whether any matched at all.
func (e *Engine) MatchAny(ruleKeys []string, text string, vars Vars) (matchedKey string, ok bool, err error) {
	for _, key := range ruleKeys {
		matched, err := e.Match(key, text, vars)
		if err != nil {
			return "", false, err
		}
		if matched {
			return key, true, nil
		}
	}
	return "", false, nil
}

// Render resolves templateKey against vars. It returns
// ErrTemplateUnresolved if any placeholder remains unresolved —
// callers must refuse the TX and log a configuration error, per
// spec.md §7.
func (e *Engine) Render(templateKey string, vars Vars) (string, error) {
	tmpl, ok := e.set.Templates[templateKey]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchTemplate, templateKey)
	}
	rendered := Substitute(tmpl, vars)
	if HasUnresolvedPlaceholder(rendered) {
		return "", fmt.Errorf("%w: %s -> %q", ErrTemplateUnresolved, templateKey, rendered)
	}
	return rendered, nil
}

func (e *Engine) compiled(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.cache[pattern] = re
	return re, nil
}

var (
	collapseRe   = regexp.MustCompile(`[^A-Z0-9?/=+ ]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize applies spec.md §4.3's input normalization: trimmed,
// uppercased, non-alphanumeric-except-?/=+ characters dropped, and
// runs of whitespace collapsed to single spaces.
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = whitespaceRe.ReplaceAllString(s, " ")
	return collapseRe.ReplaceAllString(s, "")
}

// CompactForm removes the spaces from an already-Normalized string.
// Used for callsign-prefix comparisons in the `?` partial-selection
// rule, which operate on compacted tokens rather than full message
// text (spec.md §4.3).
func CompactForm(normalized string) string {
	return strings.ReplaceAll(normalized, " ", "")
}
