// Package patterns implements the externalized QSO grammar: a set of
// named validation rules (regex alternatives) and TX templates, keyed
// by rule name and partitioned by state (s0.*, s2.*, s4.*, s5.*, tx.*),
// per spec.md §3/§4.3/§6. Defaults ship embedded in the binary; an
// external YAML file may override any subset.
package patterns

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
	"go.yaml.in/yaml/v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidPatterns indicates a pattern file's root or a rule's value
// did not parse into the expected shape (scalar string or string list).
var ErrInvalidPatterns = errors.New("patterns: invalid format")

// Set is a loaded pattern grammar: Rules holds validation rule keys
// (s0.*, s2.*, s4.*, s5.*) mapped to ordered regex alternatives
// (first-match-wins); Templates holds tx.* keys mapped to a single
// template string. Pattern strings still contain unsubstituted
// placeholders — see Engine.
type Set struct {
	Rules     map[string][]string
	Templates map[string]string
}

// Provider is the abstract collaborator the state machine accepts in
// place of the embedded defaults.
type Provider interface {
	Patterns() Set
}

// StaticProvider adapts a fixed Set to Provider.
type StaticProvider struct{ Set Set }

func (p StaticProvider) Patterns() Set { return p.Set }

// Defaults returns the embedded baseline pattern grammar.
func Defaults() Set {
	set, err := parseSet(defaultsYAML)
	if err != nil {
		// The embedded file is part of the binary; a parse failure here
		// is a build-time defect, not a runtime condition.
		panic(fmt.Sprintf("patterns: embedded defaults invalid: %v", err))
	}
	return set
}

// LoadYAML loads an external pattern file and merges it over Defaults,
// so a partial override file only replaces the keys it names. On any
// read or parse error it falls back to Defaults entirely and emits
// config.patterns_invalid to sink (spec.md §4.3).
func LoadYAML(path string, sink ports.EventSink) Set {
	if sink == nil {
		sink = ports.NopSink{}
	}
	defaults := Defaults()
	if path == "" {
		return defaults
	}
	data, err := os.ReadFile(path)
	if err != nil {
		sink.Emit(invalidPatternsEvent(path, err))
		return defaults
	}
	overrides, err := parseSet(data)
	if err != nil {
		sink.Emit(invalidPatternsEvent(path, err))
		return defaults
	}
	return mergeSets(defaults, overrides)
}

func invalidPatternsEvent(path string, err error) ports.Event {
	return ports.Event{
		Kind:      "config.patterns_invalid",
		Timestamp: time.Now(),
		Fields:    map[string]any{"path": path, "error": err.Error()},
	}
}

func mergeSets(base, overrides Set) Set {
	merged := Set{
		Rules:     make(map[string][]string, len(base.Rules)),
		Templates: make(map[string]string, len(base.Templates)),
	}
	for k, v := range base.Rules {
		merged.Rules[k] = v
	}
	for k, v := range base.Templates {
		merged.Templates[k] = v
	}
	for k, v := range overrides.Rules {
		merged.Rules[k] = v
	}
	for k, v := range overrides.Templates {
		merged.Templates[k] = v
	}
	return merged
}

func parseSet(data []byte) (Set, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Set{}, fmt.Errorf("parse yaml: %w", err)
	}
	body := root
	if nested, ok := root["patterns"]; ok {
		m, ok := nested.(map[string]interface{})
		if !ok {
			return Set{}, fmt.Errorf("%w: \"patterns\" root must be a mapping", ErrInvalidPatterns)
		}
		body = m
	}

	set := Set{Rules: map[string][]string{}, Templates: map[string]string{}}
	for key, raw := range body {
		values, err := coerceStrings(raw)
		if err != nil {
			return Set{}, fmt.Errorf("key %q: %w", key, err)
		}
		if strings.HasPrefix(key, "tx.") {
			if len(values) == 0 {
				return Set{}, fmt.Errorf("key %q: %w: no template value", key, ErrInvalidPatterns)
			}
			set.Templates[key] = values[0]
			continue
		}
		set.Rules[key] = values
	}
	return set, nil
}

func coerceStrings(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: list element is not a string", ErrInvalidPatterns)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: value is neither a string nor a string list", ErrInvalidPatterns)
	}
}
