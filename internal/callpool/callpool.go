// Package callpool loads the dynamic remote-call pool file: UTF-8
// lines, "#" comments, empty lines ignored, first comma-separated
// field of each remaining line is a callsign, uppercased on load
// (spec.md §6).
package callpool

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Pool is an in-memory call pool loaded from a file or built directly.
type Pool struct {
	calls []string
}

// New wraps a pre-built call slice (callers are responsible for
// uppercasing if that matters to them).
func New(calls []string) *Pool {
	return &Pool{calls: append([]string(nil), calls...)}
}

// Load reads a call pool file from path.
func Load(path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("callpool: open %s: %w", path, err)
	}
	defer f.Close()

	var calls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, _, _ := strings.Cut(line, ",")
		call := strings.ToUpper(strings.TrimSpace(field))
		if call == "" {
			continue
		}
		calls = append(calls, call)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("callpool: read %s: %w", path, err)
	}
	return &Pool{calls: calls}, nil
}

// Len reports how many calls are available.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.calls)
}

// All returns a copy of every call in the pool.
func (p *Pool) All() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.calls...)
}

// At returns the call at index i.
func (p *Pool) At(i int) string {
	return p.calls[i]
}
