// Package parkpool loads the POTA park-reference file: CSV with at
// least "reference" and "active" columns; only rows with active=1 are
// loaded. Reference is kept verbatim for display and compacted
// (dashes stripped) for TX (spec.md §6).
package parkpool

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Park is one loaded, active park reference.
type Park struct {
	Reference string
}

// TXForm returns the reference with dashes stripped, as keyed on air.
func (p Park) TXForm() string {
	return strings.ReplaceAll(p.Reference, "-", "")
}

// Pool is an in-memory set of active park references.
type Pool struct {
	parks []Park
}

// New wraps a pre-built park slice.
func New(parks []Park) *Pool {
	return &Pool{parks: append([]Park(nil), parks...)}
}

// Load reads a parks CSV file from path.
func Load(path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parkpool: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("parkpool: read header %s: %w", path, err)
	}
	refCol, activeCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "reference":
			refCol = i
		case "active":
			activeCol = i
		}
	}
	if refCol < 0 || activeCol < 0 {
		return nil, fmt.Errorf("parkpool: %s: missing required \"reference\"/\"active\" columns", path)
	}

	var parks []Park
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parkpool: read %s: %w", path, err)
		}
		if refCol >= len(record) || activeCol >= len(record) {
			continue
		}
		if strings.TrimSpace(record[activeCol]) != "1" {
			continue
		}
		ref := strings.TrimSpace(record[refCol])
		if ref == "" {
			continue
		}
		parks = append(parks, Park{Reference: ref})
	}
	return &Pool{parks: parks}, nil
}

// Len reports how many active parks are available.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.parks)
}

// All returns a copy of every loaded park.
func (p *Pool) All() []Park {
	if p == nil {
		return nil
	}
	return append([]Park(nil), p.parks...)
}

// At returns the park at index i.
func (p *Pool) At(i int) Park {
	return p.parks[i]
}
