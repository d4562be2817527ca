package eventlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
	"github.com/ColonelBlimp/cwqsotrainer/internal/qso"
)

func TestStderrSink_Emit_NoFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStderrSink(&buf)

	sink.Emit(ports.Event{Kind: "qso.unexpected_input", Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)})

	got := buf.String()
	if !strings.Contains(got, "qso.unexpected_input") {
		t.Errorf("Emit() output = %q, want it to contain the event kind", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Errorf("Emit() output = %q, want trailing newline", got)
	}
}

func TestStderrSink_Emit_FieldsSortedDeterministic(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStderrSink(&buf)

	sink.Emit(ports.Event{
		Kind:      "config.patterns_invalid",
		Timestamp: time.Now(),
		Fields:    map[string]any{"path": "patterns.yaml", "error": "bad yaml"},
	})

	got := buf.String()
	// "error" sorts before "path"; output order must be deterministic
	// regardless of Go's randomized map iteration.
	errIdx := strings.Index(got, "error=")
	pathIdx := strings.Index(got, "path=")
	if errIdx == -1 || pathIdx == -1 || errIdx > pathIdx {
		t.Errorf("Emit() output = %q, want error= before path=", got)
	}
}

func TestNewStderrSink_NilWriterDefaultsToStderr(t *testing.T) {
	sink := NewStderrSink(nil)
	if sink.w == nil {
		t.Error("NewStderrSink(nil).w is nil, want os.Stderr")
	}
}

func TestJSONSink_Emit_ForwardsToUnderlying(t *testing.T) {
	var buf bytes.Buffer
	underlying := NewStderrSink(&buf)
	sink := NewJSONSink(underlying)

	sink.Emit(ports.Event{Kind: "qso.unexpected_input", Timestamp: time.Now()})

	if !strings.Contains(buf.String(), "qso.unexpected_input") {
		t.Error("JSONSink.Emit() did not forward to the underlying sink")
	}
}

func TestJSONSink_NilUnderlying_NoPanic(t *testing.T) {
	sink := NewJSONSink(nil)
	sink.Emit(ports.Event{Kind: "qso.unexpected_input", Timestamp: time.Now()})
}

func TestJSONSink_AppendQSO_AccumulatesRecords(t *testing.T) {
	sink := NewJSONSink(nil)

	sink.AppendQSO("2026-01-01T12:00:00Z", qso.Record{Call: "K1ABC"}, 20, 700)
	sink.AppendQSO("2026-01-01T12:01:00Z", qso.Record{Call: "K2DEF", IsP2P: true, ParkRef: "US-1234"}, 25, 650)

	records := sink.Records()
	if len(records) != 2 {
		t.Fatalf("Records() len = %d, want 2", len(records))
	}
	if records[0].Call != "K1ABC" || records[0].WPMUsed != 20 {
		t.Errorf("records[0] = %+v", records[0])
	}
	if !records[1].P2P || records[1].ParkRef != "US-1234" {
		t.Errorf("records[1] = %+v", records[1])
	}
}

func TestJSONSink_Export_EmptyIsEmptyArray(t *testing.T) {
	sink := NewJSONSink(nil)

	data, err := sink.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	var decoded []Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Export() produced invalid JSON: %v", err)
	}
	if decoded == nil || len(decoded) != 0 {
		t.Errorf("Export() on empty sink = %v, want []", decoded)
	}
}

func TestJSONSink_Export_RoundTrips(t *testing.T) {
	sink := NewJSONSink(nil)
	sink.AppendQSO("2026-01-01T12:00:00Z", qso.Record{Call: "K1ABC"}, 20, 700)

	data, err := sink.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var decoded []Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Export() produced invalid JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Call != "K1ABC" || decoded[0].ParkRef != "" {
		t.Errorf("round-tripped record = %+v", decoded)
	}
}

func TestJSONSink_WriteExport(t *testing.T) {
	sink := NewJSONSink(nil)
	sink.AppendQSO("2026-01-01T12:00:00Z", qso.Record{Call: "K1ABC"}, 20, 700)

	path := t.TempDir() + "/session.json"
	if err := sink.WriteExport(path); err != nil {
		t.Fatalf("WriteExport() error = %v", err)
	}
}

func TestJSONSink_Records_ReturnsCopy(t *testing.T) {
	sink := NewJSONSink(nil)
	sink.AppendQSO("2026-01-01T12:00:00Z", qso.Record{Call: "K1ABC"}, 20, 700)

	records := sink.Records()
	records[0].Call = "MUTATED"

	if sink.Records()[0].Call != "K1ABC" {
		t.Error("Records() did not return an independent copy")
	}
}
