// internal/cw/keyer.go
package cw

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/dsp"
	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

// ErrInvalidKeyerWPM indicates wpm must be positive.
var ErrInvalidKeyerWPM = errors.New("wpm must be positive")

// idlePollInterval is how often Run checks paddle state while both
// paddles are released.
const idlePollInterval = 5 * time.Millisecond

// KeyerConfig holds configuration for the iambic mode-A paddle keyer.
type KeyerConfig struct {
	WPM        int
	ToneHz     float64
	Volume     float64
	SampleRate float64
}

// Keyer implements a mode-A iambic paddle keyer: while a paddle is held
// its symbol repeats; holding both alternates dit/dah starting with
// whichever was first held; releasing both lets the in-flight symbol
// finish with no memory of further queued symbols (spec.md §4.2).
//
// Each keyed symbol is written as sidetone to an AudioSink and, via the
// registered tone callback, fed back into a Decoder as a synthetic
// dsp.ToneEvent stream so the decoder sees the operator's own keying.
type Keyer struct {
	config  KeyerConfig
	clock   ports.Clock
	encoder *Encoder

	mu         sync.Mutex
	ditPaddle  bool
	dahPaddle  bool
	lastWasDah bool
	toneCb     dsp.ToneCallback
}

// NewKeyer creates a new iambic keyer.
func NewKeyer(cfg KeyerConfig, clock ports.Clock) (*Keyer, error) {
	if cfg.WPM <= 0 {
		return nil, ErrInvalidKeyerWPM
	}
	encoder, err := NewEncoder(EncoderConfig{
		WPM:        cfg.WPM,
		ToneHz:     cfg.ToneHz,
		Volume:     cfg.Volume,
		SampleRate: cfg.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = ports.RealClock{}
	}
	return &Keyer{config: cfg, clock: clock, encoder: encoder}, nil
}

// SetToneCallback registers the decoder loopback sink for this keyer's
// own keying, typically Decoder.HandleToneEvent.
func (k *Keyer) SetToneCallback(cb dsp.ToneCallback) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.toneCb = cb
}

// SetDitPaddle updates the dit paddle's held state.
func (k *Keyer) SetDitPaddle(down bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ditPaddle = down
}

// SetDahPaddle updates the dah paddle's held state.
func (k *Keyer) SetDahPaddle(down bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dahPaddle = down
}

func (k *Keyer) paddleState() (dit, dah bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ditPaddle, k.dahPaddle
}

// Run services the keyer until ctx is cancelled, writing sidetone to
// sink and loopback ToneEvents to the registered callback. It blocks for
// the lifetime of the paddle session; callers typically run it in its
// own goroutine.
func (k *Keyer) Run(ctx context.Context, sink ports.AudioSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dit, dah := k.paddleState()
		if !dit && !dah {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-k.clock.After(idlePollInterval):
			}
			continue
		}

		if err := k.keySymbol(ctx, k.nextSymbol(dit, dah), sink); err != nil {
			return err
		}
	}
}

// nextSymbol applies mode-A squeeze alternation: while both paddles are
// held, symbols alternate; a single held paddle always sends its own
// symbol.
func (k *Keyer) nextSymbol(dit, dah bool) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	var sendDah bool
	switch {
	case dit && dah:
		sendDah = !k.lastWasDah
	case dah:
		sendDah = true
	default:
		sendDah = false
	}
	k.lastWasDah = sendDah
	return sendDah
}

// keySymbol plays one dit or dah followed by its trailing intra-element
// gap, emitting key-down/key-up loopback events timestamped by clock.
func (k *Keyer) keySymbol(ctx context.Context, dah bool, sink ports.AudioSink) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ditMs := MillisecondsPerMinute / (float64(k.config.WPM) * DitsPerWord)
	dotUnits := 1.0
	if dah {
		dotUnits = DitDahRatio
	}

	tone := k.encoder.renderTone(k.encoder.dots(dotUnits))
	dur := time.Duration(ditMs * dotUnits * float64(time.Millisecond))
	downAt := k.clock.Now()
	if sink != nil {
		if err := sink.Write(tone); err != nil {
			return err
		}
	}
	k.emitTone(false, downAt.Add(dur), dur)

	gap := make([]float32, k.encoder.dots(IntraCharGapDots))
	gapDur := time.Duration(ditMs * IntraCharGapDots * float64(time.Millisecond))
	if sink != nil {
		if err := sink.Write(gap); err != nil {
			return err
		}
	}
	k.emitTone(true, downAt.Add(dur+gapDur), gapDur)

	return nil
}

func (k *Keyer) emitTone(toneOn bool, ts time.Time, dur time.Duration) {
	k.mu.Lock()
	cb := k.toneCb
	k.mu.Unlock()
	if cb != nil {
		cb(dsp.ToneEvent{ToneOn: toneOn, Timestamp: ts, Duration: dur})
	}
}
