package cw

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/dsp"
	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

func validKeyerConfig() KeyerConfig {
	return KeyerConfig{WPM: 15, ToneHz: 600, Volume: 0.8, SampleRate: 8000}
}

func TestNewKeyer_ValidConfig(t *testing.T) {
	k, err := NewKeyer(validKeyerConfig(), nil)
	if err != nil {
		t.Fatalf("NewKeyer() error = %v", err)
	}
	if k == nil {
		t.Fatal("NewKeyer() returned nil")
	}
}

func TestNewKeyer_InvalidWPM(t *testing.T) {
	cfg := validKeyerConfig()
	cfg.WPM = 0
	if _, err := NewKeyer(cfg, nil); err != ErrInvalidKeyerWPM {
		t.Errorf("expected ErrInvalidKeyerWPM, got %v", err)
	}
}

func TestKeyer_NextSymbol_SinglePaddle(t *testing.T) {
	k, err := NewKeyer(validKeyerConfig(), nil)
	if err != nil {
		t.Fatalf("NewKeyer: %v", err)
	}
	if got := k.nextSymbol(true, false); got != false {
		t.Error("dit paddle alone should send a dit")
	}
	if got := k.nextSymbol(false, true); got != true {
		t.Error("dah paddle alone should send a dah")
	}
}

func TestKeyer_NextSymbol_SqueezeAlternates(t *testing.T) {
	k, err := NewKeyer(validKeyerConfig(), nil)
	if err != nil {
		t.Fatalf("NewKeyer: %v", err)
	}
	// Dit held first establishes lastWasDah=false, so the squeeze's first
	// alternation step sends a dah, then a dit, then a dah...
	first := k.nextSymbol(true, false)
	second := k.nextSymbol(true, true)
	third := k.nextSymbol(true, true)
	if first != false {
		t.Fatalf("first symbol (dit-only) = %v, want dit", first)
	}
	if second == first {
		t.Error("squeeze should alternate away from the last symbol sent")
	}
	if third == second {
		t.Error("squeeze should keep alternating")
	}
}

func TestKeyer_Run_EmitsSidetoneAndLoopback(t *testing.T) {
	k, err := NewKeyer(validKeyerConfig(), ports.NewVirtualClock(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("NewKeyer: %v", err)
	}

	var mu sync.Mutex
	var events []dsp.ToneEvent
	k.SetToneCallback(func(e dsp.ToneEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	var written int
	sink := &fakeSink{onWrite: func(s []float32) error {
		written += len(s)
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	k.SetDitPaddle(true)

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, sink) }()

	// Allow a few symbols to be keyed, then release and stop.
	time.Sleep(20 * time.Millisecond)
	k.SetDitPaddle(false)
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	n := len(events)
	mu.Unlock()
	if n == 0 {
		t.Error("expected loopback ToneEvents while dit paddle held")
	}
	if written == 0 {
		t.Error("expected sidetone samples written to sink")
	}
}

func TestKeyer_Run_StopsOnCancel(t *testing.T) {
	k, err := NewKeyer(validKeyerConfig(), nil)
	if err != nil {
		t.Fatalf("NewKeyer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.Run(ctx, nil); err == nil {
		t.Error("expected context error from Run")
	}
}
