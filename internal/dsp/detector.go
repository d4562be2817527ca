// internal/dsp/detector.go
package dsp

import (
	"errors"
	"math"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

var (
	// ErrInvalidThresholdOn indicates threshold_on must be positive
	ErrInvalidThresholdOn = errors.New("threshold_on must be positive")
	// ErrInvalidThresholdOff indicates threshold_off must be positive and below threshold_on
	ErrInvalidThresholdOff = errors.New("threshold_off must be positive and less than threshold_on")
	// ErrInvalidPowerSmooth indicates power_smooth must be between 0 and 1
	ErrInvalidPowerSmooth = errors.New("power_smooth must be between 0.0 and 1.0")
	// ErrInvalidNoiseAlpha indicates alpha_noise must be between 0 and 1
	ErrInvalidNoiseAlpha = errors.New("alpha_noise must be between 0.0 and 1.0")
	// ErrInvalidMinKeyDown indicates min_key_down_ms must be non-negative
	ErrInvalidMinKeyDown = errors.New("min_key_down_ms must be non-negative")
	// ErrGoertzelRequired indicates a Goertzel instance is required
	ErrGoertzelRequired = errors.New("goertzel instance is required")
)

// ToneEvent represents a tone state change event (a keying event in
// spec terms). Duration is only meaningful once ToneOn transitions:
// it reports how long the prior state held.
type ToneEvent struct {
	ToneOn    bool
	Timestamp time.Time
	Duration  time.Duration
	// Magnitude is the detected ratio = P / P_ref at the moment of transition.
	Magnitude float64
}

// ToneCallback is called when the confirmed tone state changes.
// Must be non-blocking and fast - called from the audio processing path.
type ToneCallback func(event ToneEvent)

// DetectorConfig holds configuration for the tone detector, mirroring
// spec.md §4.1 steps 1-4.
type DetectorConfig struct {
	// ThresholdOn is the ratio at or above which the key is confirmed DOWN.
	ThresholdOn float64
	// ThresholdOff is the ratio at or below which the key is confirmed UP.
	ThresholdOff float64
	// PowerSmooth is the EMA factor for the reference power P_ref.
	PowerSmooth float64
	// AlphaNoise is the EMA factor for the noise-floor RMS estimate.
	AlphaNoise float64
	// MinKeyDownMs is the minimum dwell before a state change is confirmed (debounce).
	MinKeyDownMs float64
	// AutoTone enables periodic FFT-based retuning of the Goertzel target frequency.
	AutoTone bool
	// RetuneEveryMs is how often the auto-tone scan runs (default 500ms).
	RetuneEveryMs float64
	// SampleRate is needed to size the auto-tone scan window (40ms).
	SampleRate float64
}

// Detector detects CW tones in audio samples using the Goertzel
// algorithm, a smoothed reference power, and Schmitt-trigger
// hysteresis with minimum-dwell debounce.
type Detector struct {
	config   DetectorConfig
	goertzel *Goertzel
	clock    ports.Clock
	sink     ports.EventSink

	noiseFloor float64
	refPower   float64
	haveRef    bool

	keyDown          bool
	pendingDown      bool
	pendingSince     time.Time
	havePendingSince bool
	lastTransition   time.Time

	retuneBuffer []float32
	retuneWindow int // samples in a 40ms window

	callback ToneCallback
}

// NewDetector creates a new tone detector with the given configuration.
func NewDetector(cfg DetectorConfig, goertzel *Goertzel, clock ports.Clock, sink ports.EventSink) (*Detector, error) {
	if goertzel == nil {
		return nil, ErrGoertzelRequired
	}
	if cfg.ThresholdOn <= 0 {
		return nil, ErrInvalidThresholdOn
	}
	if cfg.ThresholdOff <= 0 || cfg.ThresholdOff >= cfg.ThresholdOn {
		return nil, ErrInvalidThresholdOff
	}
	if cfg.PowerSmooth < 0 || cfg.PowerSmooth > 1 {
		return nil, ErrInvalidPowerSmooth
	}
	if cfg.AlphaNoise < 0 || cfg.AlphaNoise > 1 {
		return nil, ErrInvalidNoiseAlpha
	}
	if cfg.MinKeyDownMs < 0 {
		return nil, ErrInvalidMinKeyDown
	}
	if clock == nil {
		clock = ports.RealClock{}
	}
	if sink == nil {
		sink = ports.NopSink{}
	}

	retuneWindow := 0
	if cfg.SampleRate > 0 {
		retuneWindow = int(0.040 * cfg.SampleRate) // 40ms window
	}

	return &Detector{
		config:       cfg,
		goertzel:     goertzel,
		clock:        clock,
		sink:         sink,
		retuneWindow: retuneWindow,
	}, nil
}

// SetCallback sets the callback for confirmed tone events.
func (d *Detector) SetCallback(cb ToneCallback) {
	d.callback = cb
}

// Process processes one block of audio samples (nominal 512 frames).
// The Goertzel analyzes the first BlockSize samples of the block
// (BlockSize comes from buffer_size, the capture period), so samples
// must hold at least BlockSize values; any further samples do not enter
// the tone power.
func (d *Detector) Process(samples []float32) {
	if len(samples) == 0 {
		return
	}

	if d.config.AutoTone {
		d.feedAutoTone(samples)
	}

	power := d.goertzel.MagnitudeNoAlloc(samples)
	d.noiseFloor = ema(d.noiseFloor, rms(samples), d.config.AlphaNoise)

	if !d.haveRef {
		d.refPower = power
		d.haveRef = true
	}
	ratio := 0.0
	if d.refPower > minRefPower {
		ratio = power / d.refPower
	}
	// P_ref tracks the background/noise floor, not the keyed tone's own
	// power: updating it while the key is confirmed down would let it
	// converge toward the signal and collapse the ratio mid-element
	// (spec.md §4.1 steps 3/4).
	if !d.keyDown {
		d.refPower = ema(d.refPower, power, d.config.PowerSmooth)
		if d.refPower < minRefPower {
			d.refPower = minRefPower
		}
	}

	now := d.clock.Now()
	d.updateHysteresis(ratio, now)
}

// feedAutoTone accumulates samples for the periodic FFT retune scan
// and, every RetuneEveryMs, picks the loudest bin in [300,1200]Hz.
func (d *Detector) feedAutoTone(samples []float32) {
	if d.retuneWindow <= 0 {
		return
	}
	d.retuneBuffer = append(d.retuneBuffer, samples...)
	// One scan per RetuneEveryMs of audio, over its most recent 40ms.
	period := d.retuneWindow
	if p := int(d.config.RetuneEveryMs / 1000 * d.config.SampleRate); p > period {
		period = p
	}
	if len(d.retuneBuffer) < period {
		return
	}
	window := d.retuneBuffer[len(d.retuneBuffer)-d.retuneWindow:]
	if f := DetectTone(window, d.config.SampleRate); f > 0 {
		if err := d.goertzel.Retune(f); err != nil {
			d.sink.Emit(ports.Event{
				Kind:      "decoder.retune_failed",
				Timestamp: d.clock.Now(),
				Fields:    map[string]any{"frequency": f, "error": err.Error()},
			})
		}
	}
	d.retuneBuffer = d.retuneBuffer[:0]
}

// updateHysteresis applies the Schmitt trigger with minimum-dwell
// debounce to the current ratio.
func (d *Detector) updateHysteresis(ratio float64, now time.Time) {
	wantDown := !d.keyDown && ratio >= d.config.ThresholdOn
	wantUp := d.keyDown && ratio <= d.config.ThresholdOff

	switch {
	case wantDown || wantUp:
		if !d.havePendingSince || d.pendingDown != wantDown {
			d.pendingSince = now
			d.havePendingSince = true
			d.pendingDown = wantDown
		}
		if now.Sub(d.pendingSince).Seconds()*1000 >= d.config.MinKeyDownMs {
			d.confirmTransition(wantDown, ratio, now)
		}
	default:
		d.havePendingSince = false
	}
}

func (d *Detector) confirmTransition(down bool, ratio float64, now time.Time) {
	duration := time.Duration(0)
	if !d.lastTransition.IsZero() {
		duration = now.Sub(d.lastTransition)
	}
	d.keyDown = down
	d.lastTransition = now
	d.havePendingSince = false

	if d.callback != nil {
		d.callback(ToneEvent{
			ToneOn:    down,
			Timestamp: now,
			Duration:  duration,
			Magnitude: ratio,
		})
	}
}

// Calibrate snapshots the current noise floor as the new P_ref anchor.
// It does not touch keying state or debounce state, per spec.md §4.1
// "Calibrate operation".
func (d *Detector) Calibrate() {
	if d.noiseFloor > 0 {
		d.refPower = d.noiseFloor * d.noiseFloor
	}
	if d.refPower < minRefPower {
		d.refPower = minRefPower
	}
	d.haveRef = true
}

// ToneState returns the current confirmed tone state.
func (d *Detector) ToneState() bool { return d.keyDown }

// NoiseFloor returns the current smoothed noise-floor RMS estimate.
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

// RefPower returns the current smoothed reference power P_ref.
func (d *Detector) RefPower() float64 { return d.refPower }

const minRefPower = 1e-9

func ema(prev, sample, alpha float64) float64 {
	return (1-alpha)*prev + alpha*sample
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
