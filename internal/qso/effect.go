package qso

import (
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

// Effect is one outcome of Feed: a TX to render, an event to log, a
// completed QSO to record, or an observed state transition (spec.md
// §4.3 "Contract").
type Effect interface{ isEffect() }

// TxText asks the runtime to render and transmit text at the given
// per-QSO wpm/tone, optionally after Delay (used for staggered S1
// caller announcements).
type TxText struct {
	Text   string
	WPM    int
	ToneHz float64
	Delay  time.Duration
}

func (TxText) isEffect() {}

// LogEvent carries a soft-error or lifecycle record to the EventSink.
type LogEvent struct {
	Event ports.Event
}

func (LogEvent) isEffect() {}

// CompleteQSO reports a finished exchange for session logging.
type CompleteQSO struct {
	Record Record
}

func (CompleteQSO) isEffect() {}

// StateChange reports an observed transition, including the
// internally-transient S1/S3/S4/S6 steps collapsed within a single
// Feed call, for callers that want a full audit trail.
type StateChange struct {
	New State
}

func (StateChange) isEffect() {}
