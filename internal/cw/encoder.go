// internal/cw/encoder.go
package cw

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

var (
	// ErrInvalidEncoderWPM indicates wpm must be positive
	ErrInvalidEncoderWPM = errors.New("wpm must be positive")
	// ErrInvalidToneHz indicates tone_hz must be positive
	ErrInvalidToneHz = errors.New("tone_hz must be positive")
	// ErrInvalidSampleRate indicates sample_rate must be positive
	ErrInvalidSampleRate = errors.New("sample_rate must be positive")
)

const (
	// DefaultRampMs is the raised-cosine key-on/off ramp duration.
	DefaultRampMs = 5.0
	// prosignOpen/prosignClose delimit a prosign grouping in input text,
	// e.g. "<AR>" is keyed with no inter-character gap between A and R.
	prosignOpen  = '<'
	prosignClose = '>'
)

// EncoderConfig holds configuration for Morse-to-PCM synthesis.
type EncoderConfig struct {
	WPM int
	// FarnsworthWPM, when > 0 and < WPM, stretches inter-character and
	// word gaps to the slower effective rate while characters themselves
	// are still sent at WPM.
	FarnsworthWPM int
	ToneHz        float64
	Volume        float64 // 0..1
	SampleRate    float64
	RampMs        float64
	// ProsignLiteral, if non-empty, is treated as a single prosign token
	// wherever it appears in input text, in addition to <...> groups.
	ProsignLiteral string
}

// Encoder renders text into CW audio blocks at a configured speed and
// pitch, per spec.md §4.2.
type Encoder struct {
	config     EncoderConfig
	ditSamples int
	rampLen    int
}

// NewEncoder creates a new Encoder.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.WPM <= 0 {
		return nil, ErrInvalidEncoderWPM
	}
	if cfg.ToneHz <= 0 {
		return nil, ErrInvalidToneHz
	}
	if cfg.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if cfg.RampMs <= 0 {
		cfg.RampMs = DefaultRampMs
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 1.0
	}

	ditMs := MillisecondsPerMinute / (float64(cfg.WPM) * DitsPerWord)
	ditSamples := int(ditMs * cfg.SampleRate / 1000.0)
	rampLen := int(cfg.RampMs * cfg.SampleRate / 1000.0)
	if rampLen*2 > ditSamples {
		rampLen = ditSamples / 2
	}

	return &Encoder{
		config:     cfg,
		ditSamples: ditSamples,
		rampLen:    rampLen,
	}, nil
}

// element is one symbol to key: a tone (dit/dah) or a silent gap.
type element struct {
	tone    bool
	durSamp int
}

// Encode renders text to a single PCM buffer. Unknown characters are
// skipped with a word gap substituted, matching the decoder's tolerance
// for '*'  on the wire but never re-emitting it over the air.
func (e *Encoder) Encode(text string) []float32 {
	elements := e.plan(text)
	total := 0
	for _, el := range elements {
		total += el.durSamp
	}
	out := make([]float32, 0, total)
	for _, el := range elements {
		if el.tone {
			out = append(out, e.renderTone(el.durSamp)...)
		} else {
			out = append(out, make([]float32, el.durSamp)...)
		}
	}
	return out
}

// Play streams the encoding of text to sink, one block per element
// (a whole dit, dah or gap),
// stopping early (dropping remaining samples) if ctx is cancelled.
func (e *Encoder) Play(ctx context.Context, text string, sink ports.AudioSink) error {
	elements := e.plan(text)
	for _, el := range elements {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var block []float32
		if el.tone {
			block = e.renderTone(el.durSamp)
		} else {
			block = make([]float32, el.durSamp)
		}
		if err := sink.Write(block); err != nil {
			return err
		}
	}
	return nil
}

// plan expands text into a sequence of tone/gap elements with Farnsworth
// spacing applied to inter-character and word gaps.
func (e *Encoder) plan(text string) []element {
	interCharDots := InterCharGapDots
	wordDots := WordGapDots
	if e.config.FarnsworthWPM > 0 && e.config.FarnsworthWPM < e.config.WPM {
		interCharDots, wordDots = e.farnsworthGaps()
	}

	upper := strings.ToUpper(text)
	if lit := strings.ToUpper(e.config.ProsignLiteral); lit != "" {
		upper = strings.ReplaceAll(upper, lit, "<"+lit+">")
	}

	var out []element
	tokens := tokenize(upper)

	for i, tok := range tokens {
		if tok == " " {
			out = append(out, element{tone: false, durSamp: e.dots(wordDots)})
			continue
		}

		pattern, ok := LookupChar(runeOf(tok))
		isProsign := len(tok) > 1
		if isProsign {
			pattern, ok = prosignPattern(tok)
		}
		if !ok {
			// Unknown character: substitute a word gap rather than dropping
			// timing silently.
			out = append(out, element{tone: false, durSamp: e.dots(wordDots)})
			continue
		}

		for j, dah := range pattern {
			dur := e.ditSamples
			if dah {
				dur = e.ditSamples * int(DitDahRatio)
			}
			out = append(out, element{tone: true, durSamp: dur})
			if j < len(pattern)-1 {
				out = append(out, element{tone: false, durSamp: e.dots(IntraCharGapDots)})
			}
		}

		if i < len(tokens)-1 && tokens[i+1] != " " {
			out = append(out, element{tone: false, durSamp: e.dots(interCharDots)})
		}
	}
	return out
}

// farnsworthGaps computes the inter-character and word gap durations, in
// dit units at the character rate, that together reproduce the slower
// FarnsworthWPM effective speed for spacing only.
func (e *Encoder) farnsworthGaps() (interChar, word float64) {
	// Standard word "PARIS" is 50 dit-units: 31 units of marks/intra-char
	// space plus 19 units split 3:2:2... the common approximation used by
	// most keyers is to solve for the extra space needed so total word
	// duration matches the effective WPM while characters stay at WPM.
	wpm := float64(e.config.WPM)
	fwpm := float64(e.config.FarnsworthWPM)
	totalDitsAtWPM := DitsPerWord
	totalDitsAtFWPM := totalDitsAtWPM * wpm / fwpm
	extraDits := totalDitsAtFWPM - totalDitsAtWPM
	if extraDits < 0 {
		extraDits = 0
	}
	// Spread the extra spacing over PARIS's four inter-character gaps
	// and one word gap in the 3:7 gap ratio (3/19 and 7/19 of it each),
	// so that 4*3/19 + 7/19 of it adds up to exactly extraDits.
	interChar = InterCharGapDots + extraDits*3/19
	word = WordGapDots + extraDits*7/19
	return interChar, word
}

func (e *Encoder) dots(n float64) int {
	return int(float64(e.ditSamples) * n)
}

// renderTone synthesizes n samples of sine at ToneHz with raised-cosine
// ramps of rampLen samples on each end, clipped to ±1.0 after mixing.
func (e *Encoder) renderTone(n int) []float32 {
	out := make([]float32, n)
	omega := 2 * math.Pi * e.config.ToneHz / e.config.SampleRate
	for i := 0; i < n; i++ {
		sample := math.Sin(omega * float64(i))
		env := 1.0
		if e.rampLen > 0 {
			if i < e.rampLen {
				env = 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(e.rampLen)))
			} else if i >= n-e.rampLen {
				env = 0.5 * (1 - math.Cos(math.Pi*float64(n-1-i)/float64(e.rampLen)))
			}
		}
		v := sample * env * e.config.Volume
		out[i] = float32(clip(v))
	}
	return out
}

func clip(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func runeOf(tok string) rune {
	r := []rune(tok)
	if len(r) == 0 {
		return 0
	}
	return r[0]
}

// prosignPattern concatenates the patterns of a prosign's component
// letters with no gap markers between them (the caller inserts only
// intra-element dit gaps, never inter-character gaps, within the run).
func prosignPattern(letters string) ([]bool, bool) {
	var combined []bool
	for _, ch := range letters {
		p, ok := LookupChar(ch)
		if !ok {
			return nil, false
		}
		combined = append(combined, p...)
	}
	return combined, len(combined) > 0
}

// tokenize splits text into single-character tokens and "<...>" prosign
// groups (returned without the angle brackets), with " " tokens marking
// word boundaries.
func tokenize(text string) []string {
	var tokens []string
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case ' ':
			tokens = append(tokens, " ")
		case prosignOpen:
			end := i + 1
			for end < len(runes) && runes[end] != prosignClose {
				end++
			}
			tokens = append(tokens, string(runes[i+1:end]))
			i = end
		default:
			tokens = append(tokens, string(runes[i]))
		}
	}
	return tokens
}
