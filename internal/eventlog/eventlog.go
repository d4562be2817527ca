// Package eventlog provides ports.EventSink implementations: a
// stderr-printing sink for interactive runs and a session-log sink
// that accumulates completed-QSO records for JSON export (spec.md §6
// "Session log export").
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
	"github.com/ColonelBlimp/cwqsotrainer/internal/qso"
)

// StderrSink prints every event to the given writer, one line per
// event, in the teacher's plain fmt.Fprintf debug-print style.
type StderrSink struct {
	w io.Writer
}

// NewStderrSink builds a StderrSink writing to w. A nil w defaults to
// os.Stderr.
func NewStderrSink(w io.Writer) *StderrSink {
	if w == nil {
		w = os.Stderr
	}
	return &StderrSink{w: w}
}

func (s *StderrSink) Emit(e ports.Event) {
	if len(e.Fields) == 0 {
		fmt.Fprintf(s.w, "%s %s\n", e.Timestamp.Format("15:04:05.000"), e.Kind)
		return
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(s.w, "%s %s", e.Timestamp.Format("15:04:05.000"), e.Kind)
	for _, k := range keys {
		fmt.Fprintf(s.w, " %s=%v", k, e.Fields[k])
	}
	fmt.Fprintln(s.w)
}

// Record is one exported session-log entry (spec.md §6: "JSON array of
// records {ts, call, park_ref?, p2p?, wpm_used, tone_used}").
type Record struct {
	Timestamp string  `json:"ts"`
	Call      string  `json:"call"`
	ParkRef   string  `json:"park_ref,omitempty"`
	P2P       bool    `json:"p2p,omitempty"`
	WPMUsed   int     `json:"wpm_used"`
	ToneUsed  float64 `json:"tone_used"`
}

// JSONSink both forwards events to an underlying sink (typically a
// StderrSink, for liveness) and accumulates completed-QSO records for
// later JSON export via Export. Safe for concurrent use: a
// session.Runtime's decoder/state-machine goroutine appends while a
// /export command or CLI --export-path flag reads.
type JSONSink struct {
	underlying ports.EventSink

	mu      sync.Mutex
	records []Record
}

// NewJSONSink wraps underlying (nil is equivalent to ports.NopSink{}).
func NewJSONSink(underlying ports.EventSink) *JSONSink {
	if underlying == nil {
		underlying = ports.NopSink{}
	}
	return &JSONSink{underlying: underlying}
}

func (s *JSONSink) Emit(e ports.Event) {
	s.underlying.Emit(e)
}

// AppendQSO records a completed exchange. The runtime calls this when
// a qso.StateMachine.Feed/AdvanceQueue result includes a
// qso.CompleteQSO effect, supplying the wpm/tone that were actually
// used for that QSO.
func (s *JSONSink) AppendQSO(ts string, rec qso.Record, wpmUsed int, toneUsed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{
		Timestamp: ts,
		Call:      rec.Call,
		ParkRef:   rec.ParkRef,
		P2P:       rec.IsP2P,
		WPMUsed:   wpmUsed,
		ToneUsed:  toneUsed,
	})
}

// Records returns a copy of the accumulated session records.
func (s *JSONSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Export marshals the accumulated records as a JSON array.
func (s *JSONSink) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records
	if records == nil {
		records = []Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// WriteExport writes the JSON export to path.
func (s *JSONSink) WriteExport(path string) error {
	data, err := s.Export()
	if err != nil {
		return fmt.Errorf("eventlog: marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("eventlog: write export %s: %w", path, err)
	}
	return nil
}
