package qso

import (
	"testing"

	"github.com/ColonelBlimp/cwqsotrainer/internal/callpool"
	"github.com/ColonelBlimp/cwqsotrainer/internal/cw"
	"github.com/ColonelBlimp/cwqsotrainer/internal/parkpool"
	"github.com/ColonelBlimp/cwqsotrainer/internal/patterns"
	"pgregory.net/rapid"
)

// scriptedRNG replays a fixed sequence of draws so CQ-acceptance
// scenarios are fully deterministic without touching math/rand.
type scriptedRNG struct {
	ints   []int
	floats []float64
	ip, fp int
}

func (r *scriptedRNG) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	if r.ip >= len(r.ints) {
		return 0
	}
	v := r.ints[r.ip]
	r.ip++
	if v >= n {
		v = n - 1
	}
	if v < 0 {
		v = 0
	}
	return v
}

func (r *scriptedRNG) Float64() float64 {
	if r.fp >= len(r.floats) {
		return 0
	}
	v := r.floats[r.fp]
	r.fp++
	return v
}

func directFlowConfig() Config {
	return Config{
		MyCall:      "EA1ABC",
		Prosign:     "CAVE",
		UseProsigns: true,
		AllowTU:     false,
		Allow599:    false,
		DirectFlow:  true,
		S4Prefix:    "RR",

		MaxStations:         1,
		P2PPercent:          0,
		IncomingCallPercent: 0,

		WPMOutMin: 20, WPMOutMax: 20,
		ToneOutMinHz: 700, ToneOutMaxHz: 700,
	}
}

func txTexts(effects []Effect) []string {
	var out []string
	for _, e := range effects {
		if tx, ok := e.(TxText); ok {
			out = append(out, tx.Text)
		}
	}
	return out
}

func finalState(effects []Effect) (State, bool) {
	var s State
	found := false
	for _, e := range effects {
		if sc, ok := e.(StateChange); ok {
			s = sc.New
			found = true
		}
	}
	return s, found
}

// TestFeed_SimpleCQ_FullFlow mirrors spec.md §8 end-to-end scenario 1.
func TestFeed_SimpleCQ_FullFlow(t *testing.T) {
	calls := callpool.New([]string{"K1ABC"})
	parks := parkpool.New(nil)
	engine := patterns.NewEngine(patterns.Defaults())
	rng := &scriptedRNG{ints: []int{0, 0}} // draw K1ABC, 0ms delay

	sm := New(directFlowConfig(), engine, calls, parks, rng, nil, nil)

	effects := sm.Feed(cw.DecodedMessage{Text: "CQ CQ EA1ABC EA1ABC K"})
	if got := txTexts(effects); len(got) != 1 || got[0] != "K1ABC K1ABC" {
		t.Fatalf("CQ accept TX = %v, want [K1ABC K1ABC]", got)
	}
	if sm.Context().State != S1 {
		t.Fatalf("state after CQ = %v, want S1", sm.Context().State)
	}

	sm.AdvanceQueue()
	if sm.Context().State != S2 {
		t.Fatalf("state after AdvanceQueue = %v, want S2", sm.Context().State)
	}

	effects = sm.Feed(cw.DecodedMessage{Text: "K1ABC 5NN 5NN"})
	want := "CAVE UR 5NN 5NN TU 73 CAVE"
	if got := txTexts(effects); len(got) != 1 || got[0] != want {
		t.Fatalf("report reply TX = %v, want [%s]", got, want)
	}
	if sm.Context().State != S5 {
		t.Fatalf("state after report = %v, want S5", sm.Context().State)
	}

	effects = sm.Feed(cw.DecodedMessage{Text: "CAVE 73 EE"})
	if got := txTexts(effects); len(got) != 1 || got[0] != "EE" {
		t.Fatalf("close TX = %v, want [EE]", got)
	}
	var completed *CompleteQSO
	for _, e := range effects {
		if c, ok := e.(CompleteQSO); ok {
			completed = &c
		}
	}
	if completed == nil || completed.Record.Call != "K1ABC" || completed.Record.IsP2P {
		t.Fatalf("CompleteQSO record = %+v", completed)
	}
	if sm.Context().State != S0 {
		t.Fatalf("state after close = %v, want S0", sm.Context().State)
	}
}

// TestFeed_PartialQuery mirrors spec.md §8 end-to-end scenario 2.
func TestFeed_PartialQuery(t *testing.T) {
	calls := callpool.New([]string{"EA3IMR", "EA3XYZ", "K2AB"})
	parks := parkpool.New(nil)
	engine := patterns.NewEngine(patterns.Defaults())
	cfg := directFlowConfig()
	cfg.MaxStations = 3
	// n=3 (all calls drawn), zero delays throughout
	rng := &scriptedRNG{ints: []int{2, 0, 0, 0, 0, 0}}

	sm := New(cfg, engine, calls, parks, rng, nil, nil)
	sm.Feed(cw.DecodedMessage{Text: "CQ CQ EA1ABC EA1ABC K"})
	sm.AdvanceQueue()

	effects := sm.Feed(cw.DecodedMessage{Text: "EA3?"})
	got := txTexts(effects)
	if len(got) != 2 {
		t.Fatalf("EA3? TX = %v, want 2 repeats", got)
	}
	for _, text := range got {
		if text == "K2AB K2AB" {
			t.Errorf("K2AB should not be re-announced: %v", got)
		}
	}
	if sm.Context().State != S2 {
		t.Errorf("state should remain S2, got %v", sm.Context().State)
	}
	if sm.Context().OtherCall != "" {
		t.Errorf("no station should be selected yet, got %q", sm.Context().OtherCall)
	}
}

// TestFeed_FullCallQuerySelection mirrors spec.md §8 end-to-end scenario 3.
func TestFeed_FullCallQuerySelection(t *testing.T) {
	calls := callpool.New([]string{"EA3IMR", "EA3XYZ"})
	parks := parkpool.New(nil)
	engine := patterns.NewEngine(patterns.Defaults())
	cfg := directFlowConfig()
	cfg.MaxStations = 2
	// n=2 (both calls drawn), zero delays throughout
	rng := &scriptedRNG{ints: []int{1, 0, 0, 0, 0}}

	sm := New(cfg, engine, calls, parks, rng, nil, nil)
	sm.Feed(cw.DecodedMessage{Text: "CQ CQ EA1ABC EA1ABC K"})
	sm.AdvanceQueue()

	effects := sm.Feed(cw.DecodedMessage{Text: "EA3IMR?"})
	if got := txTexts(effects); len(got) != 1 || got[0] != "RR" {
		t.Fatalf("full-call ? TX = %v, want [RR]", got)
	}
	if sm.Context().OtherCall != "EA3IMR" {
		t.Errorf("OtherCall = %q, want EA3IMR", sm.Context().OtherCall)
	}
	if sm.Context().State != S2 {
		t.Errorf("state should remain S2 awaiting report, got %v", sm.Context().State)
	}
}

// TestFeed_P2PExchange mirrors spec.md §8 end-to-end scenario 4.
func TestFeed_P2PExchange(t *testing.T) {
	calls := callpool.New([]string{"K1ABC"})
	parks := parkpool.New([]parkpool.Park{{Reference: "US-1234"}})
	engine := patterns.NewEngine(patterns.Defaults())
	cfg := directFlowConfig()
	cfg.MyParkRef = "ES-0001"
	cfg.P2PPercent = 100
	rng := &scriptedRNG{ints: []int{0, 0, 0}} // draw call, 0ms delay, park idx 0

	sm := New(cfg, engine, calls, parks, rng, nil, nil)

	effects := sm.Feed(cw.DecodedMessage{Text: "CQ POTA DE EA1ABC K"})
	if got := txTexts(effects); len(got) != 2 || got[0] != "K1ABC K1ABC" || got[1] != "US1234 US1234" {
		t.Fatalf("POTA CQ TX = %v", got)
	}
	sm.AdvanceQueue()

	effects = sm.Feed(cw.DecodedMessage{Text: "P2P"})
	want := "R R K1ABC K1ABC MY REF US1234 US1234 73 CAVE"
	if got := txTexts(effects); len(got) != 1 || got[0] != want {
		t.Fatalf("p2p ack TX = %v, want [%s]", got, want)
	}

	effects = sm.Feed(cw.DecodedMessage{Text: "CAVE K1ABC EA1ABC MY REF ES0001 ES0001"})
	if got := txTexts(effects); len(got) != 1 || got[0] != "EE" {
		t.Fatalf("p2p close TX = %v, want [EE]", got)
	}
	var record Record
	for _, e := range effects {
		if c, ok := e.(CompleteQSO); ok {
			record = c.Record
		}
	}
	if record.Call != "K1ABC" || !record.IsP2P || record.ParkRef != "US-1234" {
		t.Fatalf("CompleteQSO record = %+v, want {K1ABC true US-1234}", record)
	}
}

// TestFeed_UnexpectedInputInS0_NoTransition mirrors scenario 5.
func TestFeed_UnexpectedInputInS0_NoTransition(t *testing.T) {
	calls := callpool.New([]string{"K1ABC"})
	parks := parkpool.New(nil)
	engine := patterns.NewEngine(patterns.Defaults())
	sm := New(directFlowConfig(), engine, calls, parks, &scriptedRNG{}, nil, nil)

	effects := sm.Feed(cw.DecodedMessage{Text: "FOO BAR"})
	if len(effects) != 1 {
		t.Fatalf("expected exactly one effect, got %v", effects)
	}
	log, ok := effects[0].(LogEvent)
	if !ok || log.Event.Kind != "qso.unexpected_input" {
		t.Fatalf("expected qso.unexpected_input, got %+v", effects[0])
	}
	if sm.Context().State != S0 {
		t.Errorf("state should remain S0, got %v", sm.Context().State)
	}
}

func TestReset_Idempotent(t *testing.T) {
	calls := callpool.New([]string{"K1ABC"})
	parks := parkpool.New(nil)
	engine := patterns.NewEngine(patterns.Defaults())
	sm := New(directFlowConfig(), engine, calls, parks, &scriptedRNG{ints: []int{0, 0}}, nil, nil)

	sm.Feed(cw.DecodedMessage{Text: "CQ CQ EA1ABC EA1ABC K"})
	sm.Reset()
	once := sm.Context()
	sm.Reset()
	twice := sm.Context()
	if once != twice {
		t.Errorf("reset();reset() != reset(): %+v vs %+v", once, twice)
	}
	if once.State != S0 || len(sm.Queue()) != 0 {
		t.Errorf("reset should clear to S0 with an empty queue")
	}
}

// TestProperty_CQBatchBounds checks spec.md §8's quantified invariant:
// after a valid CQ, |queued_stations| is in [1, max_stations] and at
// most one has IsP2P=true.
func TestProperty_CQBatchBounds(t *testing.T) {
	pool := []string{"K1ABC", "K2DEF", "K3GHI", "K4JKL", "K5MNO"}
	rapid.Check(t, func(rt *rapid.T) {
		maxStations := rapid.IntRange(1, 5).Draw(rt, "max_stations")
		p2pPercent := rapid.SampledFrom([]float64{0, 50, 100}).Draw(rt, "p2p_percent")
		mode := rapid.SampledFrom([]CQMode{CQSimple, CQPOTA, CQSOTA}).Draw(rt, "mode")
		drawInts := rapid.SliceOfN(rapid.IntRange(0, 4), 2*maxStations, 2*maxStations).Draw(rt, "draws")

		calls := callpool.New(pool)
		parks := parkpool.New([]parkpool.Park{{Reference: "US-1234"}})
		engine := patterns.NewEngine(patterns.Defaults())
		cfg := directFlowConfig()
		cfg.MaxStations = maxStations
		cfg.P2PPercent = p2pPercent

		rng := &scriptedRNG{ints: drawInts, floats: []float64{0.0, 0.0, 0.0, 0.0, 0.0}}
		sm := New(cfg, engine, calls, parks, rng, nil, nil)

		var text string
		switch mode {
		case CQPOTA:
			text = "CQ POTA DE EA1ABC K"
		case CQSOTA:
			text = "CQ SOTA DE EA1ABC K"
		default:
			text = "CQ EA1ABC EA1ABC K"
		}
		sm.Feed(cw.DecodedMessage{Text: text})

		n := len(sm.Queue())
		if n < 1 || n > maxStations {
			rt.Fatalf("queued stations = %d, want in [1,%d]", n, maxStations)
		}
		p2pCount := 0
		for _, st := range sm.Queue() {
			if st.IsP2P {
				p2pCount++
			}
		}
		if p2pCount > 1 {
			rt.Fatalf("p2p count = %d, want <= 1", p2pCount)
		}
		if mode != CQPOTA && p2pCount > 0 {
			rt.Fatalf("p2p station appeared for cq_mode %v", mode)
		}
		if p2pPercent == 0 && p2pCount > 0 {
			rt.Fatalf("p2p station appeared with p2p_percent=0")
		}
	})
}
