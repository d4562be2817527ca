// internal/cw/decoder.go
package cw

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/dsp"
	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

var (
	// ErrInvalidWPM indicates wpm_target must be positive
	ErrInvalidWPM = errors.New("wpm_target must be positive")
	// ErrInvalidMessageGap indicates message_gap_s must be positive
	ErrInvalidMessageGap = errors.New("message_gap_s must be positive")
	// ErrInvalidMinUpRatio indicates min_up_ratio must be between 0 and 1
	ErrInvalidMinUpRatio = errors.New("min_up_ratio must be between 0.0 and 1.0")
)

const (
	// defaultGapCharDots is the intra-char/char-space boundary in dit units (spec default 2.5).
	defaultGapCharDots = 2.5
	// wordGapBoundaryDots is the char-space/word-space boundary in dit units (spec: 5 * T_dit).
	wordGapBoundaryDots = 5.0
	// ditDahBoundaryDots is the dit/dah boundary in dit units (spec: 2 * T_dit).
	ditDahBoundaryDots = 2.0
	// percentileWindow is the number of recent key-down durations kept for
	// the low-percentile WPM estimator.
	percentileWindow = 24
	// ditPercentile is the percentile used to estimate dit length from
	// recent key-down durations (spec: ~20th percentile).
	ditPercentile = 0.20
)

// DecoderConfig holds configuration for the CW decoder, per spec.md §4.1.
type DecoderConfig struct {
	// WPMTarget is the fixed RX speed used when AutoWPM is false, and the
	// seed estimate when it is true.
	WPMTarget int
	// AutoWPM enables low-percentile EMA tracking of the dit length from
	// observed key-down durations (spec.md §4.1 step 5). When false,
	// T_dit_ms is held fixed at 1200/WPMTarget.
	AutoWPM bool
	// AdaptiveSmoothing is the EMA factor applied to the percentile
	// estimate when AutoWPM is enabled.
	AdaptiveSmoothing float64
	// GapCharDots is the intra-char/char-space boundary in dit units
	// (default 2.5).
	GapCharDots float64
	// MessageGapSec is the silence, in seconds, that flushes the buffered
	// characters as a DecodedMessage (default 1.0).
	MessageGapSec float64
	// MinUpRatio rejects characters whose measured up/down duty ratio
	// falls below this threshold, as a noise filter (default 0, disabled).
	MinUpRatio float64
}

// Symbol is the keying-timing classification of one key-down or key-up
// interval, per spec.md §3.
type Symbol int

const (
	SymbolDit Symbol = iota
	SymbolDah
	SymbolCharGap
	SymbolWordGap
)

func (s Symbol) String() string {
	switch s {
	case SymbolDit:
		return "dit"
	case SymbolDah:
		return "dah"
	case SymbolCharGap:
		return "char_gap"
	case SymbolWordGap:
		return "word_gap"
	default:
		return "unknown"
	}
}

// DecodedOutput is a single decoded character or word-space token
// (DecodedToken in spec terms).
type DecodedOutput struct {
	Character   rune
	IsWordSpace bool
	Confidence  float64
	WPM         int
	Timestamp   time.Time
}

// DecodedMessage is a contiguous run of tokens terminated by a silence of
// at least MessageGapSec.
type DecodedMessage struct {
	Text      string
	Timestamp time.Time
}

// DecodedCallback is called for every character/word-space token.
type DecodedCallback func(output DecodedOutput)

// MessageCallback is called once a message boundary silence flushes the
// accumulated text.
type MessageCallback func(msg DecodedMessage)

// UnknownPatternCallback is called when an accumulated dit/dah sequence
// does not resolve to a known character (spec.md §4.1 step 6,
// decoder.unknown_pattern).
type UnknownPatternCallback func(pattern []bool, timestamp time.Time)

// Decoder converts a stream of dsp.ToneEvent keying transitions into
// characters, words, and whole messages.
type Decoder struct {
	config DecoderConfig
	sink   ports.EventSink

	mu sync.Mutex

	ditDurationMs float64
	recentKeyDown []float64 // ring buffer of raw key-down durations (ms)

	treeIndex int
	inChar    bool

	downMs float64 // accumulated key-down time for the current character
	upMs   float64 // accumulated key-up time for the current character

	text strings.Builder // text accumulator for the current message

	decodedCb DecodedCallback
	messageCb MessageCallback
	unknownCb UnknownPatternCallback

	// adaptive recognizes common QSO vocabulary (CQ, DE, 73, QTH, ...) in
	// the keyed element stream to nudge GapCharDots and to back the
	// confidence reported on each DecodedOutput.
	adaptive *AdaptiveDecoder

	havePendingElement bool
	pendingIsDah       bool
	pendingElementDur  time.Duration
}

// NewDecoder creates a new CW decoder with the given configuration.
func NewDecoder(cfg DecoderConfig, sink ports.EventSink) (*Decoder, error) {
	if cfg.WPMTarget <= 0 {
		return nil, ErrInvalidWPM
	}
	if cfg.GapCharDots <= 0 {
		cfg.GapCharDots = defaultGapCharDots
	}
	if cfg.MessageGapSec <= 0 {
		return nil, ErrInvalidMessageGap
	}
	if cfg.MinUpRatio < 0 || cfg.MinUpRatio > 1 {
		return nil, ErrInvalidMinUpRatio
	}
	if sink == nil {
		sink = ports.NopSink{}
	}

	d := &Decoder{
		config:        cfg,
		sink:          sink,
		ditDurationMs: MillisecondsPerMinute / (float64(cfg.WPMTarget) * DitsPerWord),
		treeIndex:     1,
	}
	d.adaptive = NewAdaptiveDecoder(d, AdaptiveConfig{Enabled: true})
	d.adaptive.SetCorrectedCallback(d.handlePatternCorrection)
	return d, nil
}

// handlePatternCorrection logs a recognized QSO-vocabulary match and its
// resulting timing nudge; the confidence itself is picked up by the next
// emitCharacter call via d.adaptive.Confidence().
func (d *Decoder) handlePatternCorrection(output CorrectedOutput) {
	d.sink.Emit(ports.Event{
		Kind:      "decoder.pattern_corrected",
		Timestamp: time.Now(),
		Fields: map[string]any{
			"pattern":         output.Pattern.Text,
			"confidence":      output.Confidence,
			"timing_adjusted": output.TimingAdjusted,
		},
	})
}

// SetCallback sets the callback for decoded character/word-space tokens.
func (d *Decoder) SetCallback(cb DecodedCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decodedCb = cb
}

// SetMessageCallback sets the callback invoked on message-boundary flush.
func (d *Decoder) SetMessageCallback(cb MessageCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageCb = cb
}

// SetUnknownPatternCallback sets the callback invoked when an accumulated
// pattern does not resolve to a known character.
func (d *Decoder) SetUnknownPatternCallback(cb UnknownPatternCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unknownCb = cb
}

// HandleToneEvent processes a tone event from the detector (or the
// keyer's loopback stream). This is the main entry point.
func (d *Decoder) HandleToneEvent(event dsp.ToneEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if event.ToneOn {
		d.handleKeyUp(event)
	} else {
		d.handleKeyDown(event)
	}
}

// handleKeyDown classifies the just-ended key-down interval as dit or dah.
func (d *Decoder) handleKeyDown(event dsp.ToneEvent) {
	durationMs := float64(event.Duration.Milliseconds())
	if durationMs <= 0 {
		return
	}

	d.trackKeyDown(durationMs)

	symbol := d.classifyKeyDown(durationMs)

	if !d.inChar {
		d.treeIndex = 1
		d.inChar = true
		d.downMs, d.upMs = 0, 0
	}
	d.downMs += durationMs

	if symbol == SymbolDah {
		d.treeIndex = d.treeIndex*2 + 1
	} else {
		d.treeIndex = d.treeIndex * 2
	}

	d.havePendingElement = true
	d.pendingIsDah = symbol == SymbolDah
	d.pendingElementDur = event.Duration

	if d.treeIndex >= len(MorseTree) {
		d.emitUnknown(event.Timestamp)
		d.treeIndex = 1
		d.inChar = false
	}
}

// handleKeyUp classifies the just-ended key-up (silence) interval as an
// intra-char gap, a char gap, or a word gap, then checks whether the same
// silence is also long enough to flush a DecodedMessage.
func (d *Decoder) handleKeyUp(event dsp.ToneEvent) {
	if d.inChar {
		durationMs := float64(event.Duration.Milliseconds())
		d.upMs += durationMs

		symbol, isBoundary := d.classifyKeyUp(durationMs)
		isWordEnd := isBoundary && symbol == SymbolWordGap

		if d.havePendingElement {
			d.adaptive.RecordElement(d.pendingIsDah, d.pendingElementDur, event.Duration, isBoundary, isWordEnd)
			d.havePendingElement = false
		}

		switch {
		case !isBoundary:
			// intra-character gap: keep accumulating the current character
		case symbol == SymbolCharGap:
			d.emitCharacter(event.Timestamp)
		default:
			d.emitCharacter(event.Timestamp)
			d.emitWordSpace(event.Timestamp)
		}
	}

	d.maybeFlushMessage(event)
}

// classifyKeyDown applies the dit/dah boundary at 2*T_dit, inclusive on
// the dah side (spec.md §8 boundary behavior).
func (d *Decoder) classifyKeyDown(durationMs float64) Symbol {
	if durationMs >= ditDahBoundaryDots*d.ditDurationMs {
		return SymbolDah
	}
	return SymbolDit
}

// classifyKeyUp applies the intra-char/char-gap/word-gap boundaries from
// spec.md §4.1 step 5. isBoundary is false for an intra-character gap,
// which does not terminate the accumulated character.
func (d *Decoder) classifyKeyUp(durationMs float64) (symbol Symbol, isBoundary bool) {
	switch {
	case durationMs < d.config.GapCharDots*d.ditDurationMs:
		return SymbolCharGap, false
	case durationMs < wordGapBoundaryDots*d.ditDurationMs:
		return SymbolCharGap, true
	default:
		return SymbolWordGap, true
	}
}

// trackKeyDown feeds the raw key-down duration into the low-percentile
// estimator and, when AutoWPM is enabled, updates T_dit_ms.
func (d *Decoder) trackKeyDown(durationMs float64) {
	d.recentKeyDown = append(d.recentKeyDown, durationMs)
	if len(d.recentKeyDown) > percentileWindow {
		d.recentKeyDown = d.recentKeyDown[len(d.recentKeyDown)-percentileWindow:]
	}
	if !d.config.AutoWPM || len(d.recentKeyDown) < 3 {
		return
	}

	sorted := append([]float64(nil), d.recentKeyDown...)
	sort.Float64s(sorted)
	rank := int(ditPercentile * float64(len(sorted)-1))
	estimate := sorted[rank]

	smoothing := d.config.AdaptiveSmoothing
	if smoothing <= 0 {
		smoothing = 0.1
	}
	d.ditDurationMs = (1-smoothing)*d.ditDurationMs + smoothing*estimate
}

// emitCharacter resolves the accumulated tree path to a character (or
// UnknownChar) and invokes the decoded callback, applying the optional
// MinUpRatio noise filter.
func (d *Decoder) emitCharacter(timestamp time.Time) {
	defer func() {
		d.treeIndex = 1
		d.inChar = false
	}()

	if d.treeIndex <= 0 || d.treeIndex >= len(MorseTree) {
		return
	}
	char := MorseTree[d.treeIndex]
	if char == 0 {
		d.emitUnknown(timestamp)
		return
	}

	if d.config.MinUpRatio > 0 {
		total := d.downMs + d.upMs
		if total > 0 && d.upMs/total < d.config.MinUpRatio {
			return
		}
	}

	confidence := 1.0
	if d.adaptive != nil {
		confidence = d.adaptive.Confidence()
	}

	d.text.WriteRune(char)
	if d.decodedCb != nil {
		d.decodedCb(DecodedOutput{
			Character:  char,
			Confidence: confidence,
			WPM:        d.currentWPM(),
			Timestamp:  timestamp,
		})
	}
}

// emitWordSpace emits a word-space token and appends a literal space to
// the message accumulator.
func (d *Decoder) emitWordSpace(timestamp time.Time) {
	d.text.WriteByte(' ')
	if d.decodedCb != nil {
		d.decodedCb(DecodedOutput{
			Character:   ' ',
			IsWordSpace: true,
			WPM:         d.currentWPM(),
			Timestamp:   timestamp,
		})
	}
}

// emitUnknown logs an unresolved pattern and appends UnknownChar to the
// message accumulator, per spec.md §4.1 step 6.
func (d *Decoder) emitUnknown(timestamp time.Time) {
	pattern := treePath(d.treeIndex)
	d.text.WriteRune(UnknownChar)
	d.sink.Emit(ports.Event{
		Kind:      "decoder.unknown_pattern",
		Timestamp: timestamp,
		Fields:    map[string]any{"pattern_len": len(pattern)},
	})
	if d.unknownCb != nil {
		d.unknownCb(pattern, timestamp)
	}
	if d.decodedCb != nil {
		d.decodedCb(DecodedOutput{
			Character:  UnknownChar,
			Confidence: 0,
			WPM:        d.currentWPM(),
			Timestamp:  timestamp,
		})
	}
}

// maybeFlushMessage checks whether the silence that just ended is long
// enough (>= MessageGapSec) to flush the accumulated text as a
// DecodedMessage.
func (d *Decoder) maybeFlushMessage(event dsp.ToneEvent) {
	if d.text.Len() == 0 {
		return
	}
	if event.Duration.Seconds() < d.config.MessageGapSec {
		return
	}
	text := strings.TrimRight(d.text.String(), " ")
	d.text.Reset()
	if text == "" {
		return
	}
	if d.messageCb != nil {
		d.messageCb(DecodedMessage{Text: text, Timestamp: event.Timestamp})
	}
}

// currentWPM returns the current estimated WPM: wpm = 1200 / T_dit_ms.
func (d *Decoder) currentWPM() int {
	if d.ditDurationMs <= 0 {
		return d.config.WPMTarget
	}
	return int(1200.0/d.ditDurationMs + 0.5)
}

// CurrentWPM returns the current estimated WPM (thread-safe).
func (d *Decoder) CurrentWPM() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentWPM()
}

// Reset clears decoding state and the message accumulator, and resets
// timing to WPMTarget. It does not affect any Detector state.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ditDurationMs = MillisecondsPerMinute / (float64(d.config.WPMTarget) * DitsPerWord)
	d.recentKeyDown = d.recentKeyDown[:0]
	d.treeIndex = 1
	d.inChar = false
	d.downMs, d.upMs = 0, 0
	d.text.Reset()
}
