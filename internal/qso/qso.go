// Package qso implements the six-state QSO protocol engine: CQ
// acceptance and station-pool construction, station selection
// (exact/partial-`?`/P2P ack), report and close-out validation, and
// queue draining, all driven by the externalized pattern grammar in
// internal/patterns (spec.md §4.3).
package qso

import (
	"strings"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/callpool"
	"github.com/ColonelBlimp/cwqsotrainer/internal/cw"
	"github.com/ColonelBlimp/cwqsotrainer/internal/parkpool"
	"github.com/ColonelBlimp/cwqsotrainer/internal/patterns"
	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

// State is one of the six protocol states (plus the legacy-flow
// intermediate S4), per spec.md §4.3.
type State int

const (
	S0 State = iota
	S1
	S2
	S3
	S4
	S5
	S6
)

func (s State) String() string {
	switch s {
	case S0:
		return "S0"
	case S1:
		return "S1"
	case S2:
		return "S2"
	case S3:
		return "S3"
	case S4:
		return "S4"
	case S5:
		return "S5"
	case S6:
		return "S6"
	default:
		return "S?"
	}
}

// CQMode selects which CQ pattern family and TX wording applies.
type CQMode int

const (
	CQSimple CQMode = iota
	CQPOTA
	CQSOTA
)

func (m CQMode) String() string {
	switch m {
	case CQPOTA:
		return "POTA"
	case CQSOTA:
		return "SOTA"
	default:
		return "SIMPLE"
	}
}

// Station is one queued simulated remote station (spec.md §3).
type Station struct {
	Call         string
	IsP2P        bool
	ParkRef      string
	PendingDelay time.Duration
}

// Context is the live QSO context (spec.md §3).
type Context struct {
	State         State
	MyCall        string
	OtherCall     string
	OtherCallReal string
	IsP2P         bool
	CQMode        CQMode
	WPMOut        int
	ToneOutHz     float64
	ParkRef       string
	MyParkRef     string
	Prosign       string
	UseProsigns   bool
	AllowTU       bool
	Allow599      bool
	DirectFlow    bool
	S4Prefix      string
}

// Record is the logged outcome of one completed QSO.
type Record struct {
	Call    string
	IsP2P   bool
	ParkRef string
}

// Config holds the static settings a StateMachine is constructed with
// — the CLI-derived half of spec.md §6 that does not change mid-QSO.
type Config struct {
	MyCall      string
	MyParkRef   string
	Prosign     string
	UseProsigns bool
	AllowTU     bool
	Allow599    bool
	DirectFlow  bool
	S4Prefix    string // "R" or "RR"

	MaxStations         int
	P2PPercent          float64 // 0..100, POTA only
	IncomingCallPercent float64 // 0..100

	WPMOutMin, WPMOutMax       int
	ToneOutMinHz, ToneOutMaxHz float64
}

// StateMachine implements the Feed(message) -> []Effect contract of
// spec.md §4.3/§9: a deterministic function of (state, context, pool,
// RNG) with every random draw routed through the injected RNG.
type StateMachine struct {
	cfg    Config
	engine *patterns.Engine
	calls  *callpool.Pool
	parks  *parkpool.Pool
	rng    ports.RNG
	clock  ports.Clock
	sink   ports.EventSink

	ctx   Context
	queue []Station
}

// New builds a StateMachine and resets it to S0.
func New(cfg Config, engine *patterns.Engine, calls *callpool.Pool, parks *parkpool.Pool, rng ports.RNG, clock ports.Clock, sink ports.EventSink) *StateMachine {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if sink == nil {
		sink = ports.NopSink{}
	}
	m := &StateMachine{cfg: cfg, engine: engine, calls: calls, parks: parks, rng: rng, clock: clock, sink: sink}
	m.Reset()
	return m
}

// Context returns a copy of the current QSO context.
func (m *StateMachine) Context() Context { return m.ctx }

// Queue returns a copy of the stations still pending selection/report.
func (m *StateMachine) Queue() []Station { return append([]Station(nil), m.queue...) }

// Reset returns the machine to S0 with a fresh context, dropping any
// queued stations. reset();reset() is equivalent to reset() since both
// simply overwrite the same fields (spec.md §8 idempotence invariant).
func (m *StateMachine) Reset() {
	m.ctx = Context{
		State:       S0,
		MyCall:      m.cfg.MyCall,
		MyParkRef:   m.cfg.MyParkRef,
		Prosign:     m.cfg.Prosign,
		UseProsigns: m.cfg.UseProsigns,
		AllowTU:     m.cfg.AllowTU,
		Allow599:    m.cfg.Allow599,
		DirectFlow:  m.cfg.DirectFlow,
		S4Prefix:    m.cfg.S4Prefix,
	}
	m.queue = nil
}

// Feed is the state machine's sole message-driven entry point.
func (m *StateMachine) Feed(msg cw.DecodedMessage) []Effect {
	text := patterns.Normalize(msg.Text)
	switch m.ctx.State {
	case S0:
		return m.feedS0(text)
	case S1, S2:
		return m.feedS2(text)
	case S5:
		return m.feedS5(text)
	default:
		return m.unexpectedInput(text)
	}
}

// AdvanceQueue is called by the runtime once every scheduled S1 caller
// announcement has finished transmitting (spec.md §4.3 "S1 -> S2").
// This transition is timer/completion-driven, not message-driven, so
// it lives outside Feed.
func (m *StateMachine) AdvanceQueue() []Effect {
	if m.ctx.State != S1 {
		return nil
	}
	m.ctx.State = S2
	return []Effect{StateChange{New: S2}}
}

func (m *StateMachine) unexpectedInput(text string) []Effect {
	return []Effect{LogEvent{Event: ports.Event{
		Kind:      "qso.unexpected_input",
		Timestamp: m.clock.Now(),
		Fields:    map[string]any{"state": m.ctx.State.String(), "text": text},
	}}}
}

func (m *StateMachine) templateError(key string, err error) []Effect {
	m.ctx.State = S0
	return []Effect{
		LogEvent{Event: ports.Event{
			Kind:      "config.template_unresolved",
			Timestamp: m.clock.Now(),
			Fields:    map[string]any{"key": key, "error": err.Error()},
		}},
		StateChange{New: S0},
	}
}

// --- S0: CQ acceptance & station pool construction ---

func (m *StateMachine) feedS0(text string) []Effect {
	vars := patterns.Vars{patterns.VarMyCall: m.cfg.MyCall}
	mode, ok := m.matchCQ(text, vars)
	if !ok {
		return m.unexpectedInput(text)
	}

	m.ctx.CQMode = mode
	m.ctx.WPMOut = m.pickWPMOut()
	m.ctx.ToneOutHz = m.pickToneOut()
	m.queue = m.buildStationPool(mode)

	effects := make([]Effect, 0, len(m.queue)*2+1)
	for _, st := range m.queue {
		stEffects, ok := m.callerEffects(st)
		effects = append(effects, stEffects...)
		if !ok {
			return effects
		}
	}
	m.ctx.State = S1
	return append(effects, StateChange{New: S1})
}

func (m *StateMachine) matchCQ(text string, vars patterns.Vars) (CQMode, bool) {
	for _, c := range []struct {
		mode CQMode
		key  string
	}{{CQSimple, "s0.simple"}, {CQPOTA, "s0.pota"}, {CQSOTA, "s0.sota"}} {
		matched, err := m.engine.Match(c.key, text, vars)
		if err != nil {
			m.logEvent("config.pattern_error", map[string]any{"rule": c.key, "error": err.Error()})
			continue
		}
		if matched {
			return c.mode, true
		}
	}
	return 0, false
}

// buildStationPool draws 1..max_stations distinct calls, with at most
// one marked P2P when cq_mode is POTA (spec.md §4.3 "S0 -> S1").
func (m *StateMachine) buildStationPool(mode CQMode) []Station {
	n := 1
	if m.cfg.MaxStations > 1 {
		n = 1 + m.rng.IntN(m.cfg.MaxStations)
	}
	if avail := m.calls.Len(); n > avail {
		n = avail
	}

	drawn := m.drawDistinctCalls(n)
	stations := make([]Station, 0, len(drawn))
	p2pAssigned := false
	for i, call := range drawn {
		st := Station{Call: call, PendingDelay: time.Duration(m.rng.IntN(2001)) * time.Millisecond}
		if !p2pAssigned && i == 0 && mode == CQPOTA && m.parks.Len() > 0 &&
			ports.Bernoulli(m.rng, m.cfg.P2PPercent/100) {
			st.IsP2P = true
			st.ParkRef = m.parks.At(m.rng.IntN(m.parks.Len())).Reference
			p2pAssigned = true
		}
		stations = append(stations, st)
	}
	return stations
}

func (m *StateMachine) drawDistinctCalls(n int) []string {
	pool := m.calls.All()
	drawn := make([]string, 0, n)
	for i := 0; i < n && len(pool) > 0; i++ {
		idx := m.rng.IntN(len(pool))
		drawn = append(drawn, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return drawn
}

// --- S1/S2: station selection and report completion ---

func (m *StateMachine) feedS2(text string) []Effect {
	if m.ctx.OtherCall == "" {
		if effects, handled := m.trySelectOrAck(text); handled {
			return effects
		}
		if effects, handled := m.tryCombinedReport(text); handled {
			return effects
		}
		return m.unexpectedInput(text)
	}
	return m.tryReportOrLegacy(text)
}

func (m *StateMachine) trySelectOrAck(text string) ([]Effect, bool) {
	if p2p, ok := m.findP2PStation(); ok {
		vars := m.baseVars()
		matched, _ := m.engine.Match("s2.p2p_ack", text, vars)
		if matched || text == p2p.Call {
			return m.selectP2PAndReply(p2p), true
		}
	}

	if st, ok := m.findQueuedByCall(text); ok {
		m.selectStation(st)
		return []Effect{}, true
	}

	if strings.HasSuffix(text, "?") {
		return m.tryQueryToken(strings.TrimSuffix(text, "?")), true
	}

	return nil, false
}

func (m *StateMachine) tryQueryToken(prefix string) []Effect {
	matches := m.findQueuedByPrefix(prefix)
	switch {
	case len(matches) == 0:
		// Boundary behavior: partial `?` with zero matches produces no TX.
		return []Effect{}
	case len(matches) == 1 && matches[0].Call == prefix:
		m.selectStation(matches[0])
		ack, err := m.engine.Render("tx.ack_rr", m.baseVars())
		if err != nil {
			return m.templateError("tx.ack_rr", err)
		}
		return []Effect{m.tx(ack)}
	default:
		var effects []Effect
		for _, st := range matches {
			vars := m.varsForStation(st)
			rendered, err := m.engine.Render("tx.repeat_selected_call", vars)
			if err != nil {
				return m.templateError("tx.repeat_selected_call", err)
			}
			effects = append(effects, m.tx(rendered))
			if st.IsP2P {
				ref, err := m.engine.Render("tx.p2p_repeat_ref", vars)
				if err != nil {
					return m.templateError("tx.p2p_repeat_ref", err)
				}
				effects = append(effects, m.tx(ref))
			}
		}
		return effects
	}
}

func (m *StateMachine) tryCombinedReport(text string) ([]Effect, bool) {
	ruleKey := "s2.report_require_call"
	if m.ctx.Allow599 {
		ruleKey = "s2.report_require_call_599"
	}
	for _, st := range m.queuedNonP2P() {
		vars := m.varsForStation(st)
		vars[patterns.VarOtherCall] = st.Call
		matched, err := m.engine.Match(ruleKey, text, vars)
		if err != nil {
			continue
		}
		if matched {
			m.selectStation(st)
			return m.completeReport(), true
		}
	}
	return nil, false
}

func (m *StateMachine) tryReportOrLegacy(text string) []Effect {
	if m.ctx.DirectFlow {
		return m.tryDirectReport(text)
	}
	return m.tryLegacyReport(text)
}

func (m *StateMachine) tryDirectReport(text string) []Effect {
	ruleKey := "s2.report_no_call"
	if m.ctx.Allow599 {
		ruleKey = "s2.report_no_call_599"
	}
	matched, err := m.engine.Match(ruleKey, text, m.varsForContext())
	if err != nil {
		return m.templateError(ruleKey, err)
	}
	if !matched {
		return m.unexpectedInput(text)
	}
	return m.completeReport()
}

func (m *StateMachine) tryLegacyReport(text string) []Effect {
	vars := m.varsForContext()
	matched, err := m.engine.Match("s4.legacy_report", text, vars)
	if err != nil {
		return m.templateError("s4.legacy_report", err)
	}
	if !matched {
		return m.unexpectedInput(text)
	}
	effects := []Effect{
		StateChange{New: S4},
		m.tx(m.cfg.S4Prefix),
	}
	m.ctx.State = S5
	return append(effects, StateChange{New: S5})
}

func (m *StateMachine) completeReport() []Effect {
	key := "tx.report_reply"
	if !m.ctx.UseProsigns {
		key = "tx.report_reply_no_prosign"
	}
	reply, err := m.engine.Render(key, m.varsForContext())
	if err != nil {
		return m.templateError(key, err)
	}
	effects := []Effect{StateChange{New: S3}, m.tx(reply)}
	m.ctx.State = S5
	return append(effects, StateChange{New: S5})
}

func (m *StateMachine) selectP2PAndReply(st Station) []Effect {
	m.selectStation(st)
	key := "tx.p2p_station_reply"
	if !m.ctx.UseProsigns {
		key = "tx.p2p_station_reply_no_prosign"
	}
	reply, err := m.engine.Render(key, m.varsForContext())
	if err != nil {
		return m.templateError(key, err)
	}
	effects := []Effect{StateChange{New: S3}, m.tx(reply)}
	m.ctx.State = S5
	return append(effects, StateChange{New: S5})
}

func (m *StateMachine) selectStation(st Station) {
	m.ctx.OtherCall = st.Call
	m.ctx.OtherCallReal = st.Call
	m.ctx.ParkRef = st.ParkRef
	m.ctx.IsP2P = st.IsP2P
}

// --- S5: close-out ---

func (m *StateMachine) feedS5(text string) []Effect {
	vars := m.varsForContext()

	if m.ctx.IsP2P {
		if matched, _ := m.engine.Match("s5.p2p_call_query", text, vars); matched {
			reply, err := m.engine.Render("tx.p2p_call_reply", vars)
			if err != nil {
				return m.templateError("tx.p2p_call_reply", err)
			}
			return []Effect{m.tx(reply)}
		}
		if matched, _ := m.engine.Match("s5.p2p_ref_query", text, vars); matched {
			reply, err := m.engine.Render("tx.p2p_ref_reply", vars)
			if err != nil {
				return m.templateError("tx.p2p_ref_reply", err)
			}
			return []Effect{m.tx(reply)}
		}
	}

	keys := m.closeRuleKeys()
	matchedKey, ok, err := m.engine.MatchAny(keys, text, vars)
	if err != nil {
		return m.templateError(matchedKey, err)
	}
	if !ok {
		return m.unexpectedInput(text)
	}
	return m.completeQSO()
}

// closeRuleKeys returns the acceptable close-out rule keys for the
// current context: the base form, plus the `_tu` form too when
// allow_tu is set (spec.md §4.3 "S5 -> S6").
func (m *StateMachine) closeRuleKeys() []string {
	var base, tu string
	switch {
	case m.ctx.IsP2P && m.ctx.UseProsigns:
		base, tu = "s5.p2p_with_prosign", "s5.p2p_with_prosign_tu"
	case m.ctx.IsP2P:
		base, tu = "s5.p2p_without_prosign", "s5.p2p_without_prosign_tu"
	case m.ctx.UseProsigns:
		base, tu = "s5.with_prosign", "s5.with_prosign_tu"
	default:
		base, tu = "s5.without_prosign", "s5.without_prosign_tu"
	}
	if m.ctx.AllowTU {
		return []string{base, tu}
	}
	return []string{base}
}

func (m *StateMachine) completeQSO() []Effect {
	record := Record{Call: m.ctx.OtherCall, IsP2P: m.ctx.IsP2P, ParkRef: m.ctx.ParkRef}

	key := "tx.close_reply"
	if m.ctx.IsP2P {
		key = "tx.p2p_close_reply"
	}
	closeTx, err := m.engine.Render(key, m.varsForContext())
	if err != nil {
		return m.templateError(key, err)
	}

	effects := []Effect{m.tx(closeTx), CompleteQSO{Record: record}, StateChange{New: S6}}
	m.removeSelectedFromQueue()
	m.ctx.OtherCall, m.ctx.OtherCallReal, m.ctx.ParkRef, m.ctx.IsP2P = "", "", "", false

	if len(m.queue) > 0 {
		for _, st := range m.queue {
			stEffects, ok := m.callerEffects(st)
			effects = append(effects, stEffects...)
			if !ok {
				return effects
			}
		}
		m.ctx.State = S2
		return append(effects, StateChange{New: S2})
	}

	// incoming_call_% is rolled only when the queue is fully drained,
	// never re-evaluated mid-batch (spec.md's own Open Question guidance).
	if m.calls.Len() > 0 && ports.Bernoulli(m.rng, m.cfg.IncomingCallPercent/100) {
		fresh := Station{Call: m.calls.At(m.rng.IntN(m.calls.Len()))}
		m.queue = []Station{fresh}
		stEffects, ok := m.callerEffects(fresh)
		effects = append(effects, stEffects...)
		if !ok {
			return effects
		}
		m.ctx.State = S2
		return append(effects, StateChange{New: S2})
	}

	m.ctx.State = S0
	return append(effects, StateChange{New: S0})
}

func (m *StateMachine) removeSelectedFromQueue() {
	for i, st := range m.queue {
		if st.Call == m.ctx.OtherCall {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// --- shared helpers ---

// callerEffects renders a station's caller announcement (and, for P2P
// stations, its repeated park reference). ok is false when a template
// failed to render: m.ctx.State has already been rolled back to S0 by
// templateError, and callers must stop advancing the queue and leave
// that rollback in place rather than overwriting it.
func (m *StateMachine) callerEffects(st Station) (effects []Effect, ok bool) {
	vars := m.varsForStation(st)
	call, err := m.engine.Render("tx.caller_call", vars)
	if err != nil {
		return m.templateError("tx.caller_call", err), false
	}
	effects = []Effect{m.txDelayed(call, st.PendingDelay)}
	if st.IsP2P {
		ref, err := m.engine.Render("tx.p2p_repeat_ref", vars)
		if err != nil {
			return append(effects, m.templateError("tx.p2p_repeat_ref", err)...), false
		}
		effects = append(effects, m.txDelayed(ref, st.PendingDelay))
	}
	return effects, true
}

func (m *StateMachine) tx(text string) Effect {
	return TxText{Text: text, WPM: m.ctx.WPMOut, ToneHz: m.ctx.ToneOutHz}
}

func (m *StateMachine) txDelayed(text string, delay time.Duration) Effect {
	return TxText{Text: text, WPM: m.ctx.WPMOut, ToneHz: m.ctx.ToneOutHz, Delay: delay}
}

func (m *StateMachine) baseVars() patterns.Vars {
	return patterns.Vars{
		patterns.VarMyCall:    m.cfg.MyCall,
		patterns.VarMyParkRef: compactRef(m.cfg.MyParkRef),
		patterns.VarProsign:   m.cfg.Prosign,
		patterns.VarTxProsign: m.cfg.Prosign,
	}
}

func (m *StateMachine) varsForStation(st Station) patterns.Vars {
	v := m.baseVars()
	v[patterns.VarCall] = st.Call
	v[patterns.VarParkRef] = compactRef(st.ParkRef)
	return v
}

func (m *StateMachine) varsForContext() patterns.Vars {
	v := m.baseVars()
	v[patterns.VarOtherCall] = m.ctx.OtherCall
	v[patterns.VarOtherCallReal] = m.ctx.OtherCallReal
	v[patterns.VarCall] = m.ctx.OtherCall
	v[patterns.VarParkRef] = compactRef(m.ctx.ParkRef)
	return v
}

func (m *StateMachine) findQueuedByCall(call string) (Station, bool) {
	for _, st := range m.queue {
		if st.Call == call {
			return st, true
		}
	}
	return Station{}, false
}

func (m *StateMachine) findQueuedByPrefix(prefix string) []Station {
	var out []Station
	for _, st := range m.queue {
		if strings.HasPrefix(st.Call, prefix) {
			out = append(out, st)
		}
	}
	return out
}

func (m *StateMachine) findP2PStation() (Station, bool) {
	for _, st := range m.queue {
		if st.IsP2P {
			return st, true
		}
	}
	return Station{}, false
}

func (m *StateMachine) queuedNonP2P() []Station {
	var out []Station
	for _, st := range m.queue {
		if !st.IsP2P {
			out = append(out, st)
		}
	}
	return out
}

func (m *StateMachine) pickWPMOut() int {
	if m.cfg.WPMOutMin >= m.cfg.WPMOutMax {
		return m.cfg.WPMOutMin
	}
	return m.cfg.WPMOutMin + m.rng.IntN(m.cfg.WPMOutMax-m.cfg.WPMOutMin+1)
}

func (m *StateMachine) pickToneOut() float64 {
	if m.cfg.ToneOutMinHz >= m.cfg.ToneOutMaxHz {
		return m.cfg.ToneOutMinHz
	}
	return m.cfg.ToneOutMinHz + m.rng.Float64()*(m.cfg.ToneOutMaxHz-m.cfg.ToneOutMinHz)
}

func (m *StateMachine) logEvent(kind string, fields map[string]any) {
	m.sink.Emit(ports.Event{Kind: kind, Timestamp: m.clock.Now(), Fields: fields})
}

func compactRef(ref string) string {
	return strings.ReplaceAll(ref, "-", "")
}
