// Package session wires the realtime pipeline together: audio
// capture -> tone detector -> CW decoder -> QSO state machine -> CW
// encoder -> audio sink (or sidetone keyer), plus the stdin-driven
// --simulate mode, per spec.md §6/§9.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/audio"
	"github.com/ColonelBlimp/cwqsotrainer/internal/callpool"
	"github.com/ColonelBlimp/cwqsotrainer/internal/config"
	"github.com/ColonelBlimp/cwqsotrainer/internal/cw"
	"github.com/ColonelBlimp/cwqsotrainer/internal/dsp"
	"github.com/ColonelBlimp/cwqsotrainer/internal/eventlog"
	"github.com/ColonelBlimp/cwqsotrainer/internal/parkpool"
	"github.com/ColonelBlimp/cwqsotrainer/internal/patterns"
	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
	"github.com/ColonelBlimp/cwqsotrainer/internal/qso"
)

// Runtime owns every long-lived component of a single trainer session
// and drains qso.StateMachine effects onto the audio/event outputs.
type Runtime struct {
	settings *config.Settings

	sm       *qso.StateMachine
	decoder  *cw.Decoder
	detector *dsp.Detector
	goertzel *dsp.Goertzel
	capture  *audio.Capture
	sink     ports.AudioSink

	clock     ports.Clock
	rng       ports.RNG
	eventSink *eventlog.JSONSink

	out io.Writer
}

// New builds a Runtime from validated settings. It loads the call
// pool, park pool, and pattern grammar from the files settings names
// (falling back to empty pools / embedded defaults), and wires the
// detector/decoder/state machine/encoder chain.
func New(settings *config.Settings, out io.Writer) (*Runtime, error) {
	if out == nil {
		out = io.Discard
	}

	stderr := eventlog.NewStderrSink(out)
	eventSink := eventlog.NewJSONSink(stderr)

	calls, err := loadCallPool(settings.CallPoolFile, settings.OtherCall)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	parks, err := loadParkPool(settings.ParksFile)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	set := patterns.LoadYAML(settings.PatternsFile, eventSink)
	engine := patterns.NewEngine(set)

	clock := ports.RealClock{}
	rng := ports.NewMathRNG(uint64(time.Now().UnixNano()))

	sm := qso.New(settings.QSOConfig(), engine, calls, parks, rng, clock, eventSink)

	decoder, err := cw.NewDecoder(settings.DecoderConfig(), eventSink)
	if err != nil {
		return nil, fmt.Errorf("session: init decoder: %w", err)
	}

	goertzel, err := dsp.NewGoertzel(settings.GoertzelConfig())
	if err != nil {
		return nil, fmt.Errorf("session: init goertzel: %w", err)
	}
	detector, err := dsp.NewDetector(settings.DetectorConfig(), goertzel, clock, eventSink)
	if err != nil {
		return nil, fmt.Errorf("session: init detector: %w", err)
	}

	r := &Runtime{
		settings:  settings,
		sm:        sm,
		decoder:   decoder,
		detector:  detector,
		goertzel:  goertzel,
		clock:     clock,
		rng:       rng,
		eventSink: eventSink,
		out:       out,
	}

	decoder.SetMessageCallback(func(msg cw.DecodedMessage) {
		r.dispatch(r.sm.Feed(msg))
	})
	detector.SetCallback(decoder.HandleToneEvent)

	return r, nil
}

// loadCallPool loads the dynamic call pool file, if any, otherwise
// falls back to a single-entry pool built from otherCall (spec.md §6
// "--other-call: fallback remote call when the pool is empty").
func loadCallPool(path, otherCall string) (*callpool.Pool, error) {
	if path == "" {
		if otherCall == "" {
			return callpool.New(nil), nil
		}
		return callpool.New([]string{otherCall}), nil
	}
	pool, err := callpool.Load(path)
	if err != nil {
		return nil, err
	}
	if pool.Len() == 0 && otherCall != "" {
		return callpool.New([]string{otherCall}), nil
	}
	return pool, nil
}

func loadParkPool(path string) (*parkpool.Pool, error) {
	if path == "" {
		return parkpool.New(nil), nil
	}
	pool, err := parkpool.Load(path)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// EventSink exposes the accumulated session log for the /export
// command and the CLI's --export-path wiring.
func (r *Runtime) EventSink() *eventlog.JSONSink { return r.eventSink }

// Reset drops the live QSO and decoder state back to S0, mirroring
// --simulate's /reset command.
func (r *Runtime) Reset() {
	r.sm.Reset()
	r.decoder.Reset()
}

// RunAudio opens the configured capture device and feeds every
// received block through the detector until ctx is canceled.
func (r *Runtime) RunAudio(ctx context.Context) error {
	capture := audio.New(r.settings.AudioCaptureConfig())
	r.capture = capture

	if err := capture.Init(); err != nil {
		return fmt.Errorf("session: init audio capture: %w", err)
	}
	defer capture.Close()

	sink := audio.NewSink(r.settings.AudioSinkConfig())
	if err := sink.Open(); err != nil {
		return fmt.Errorf("session: open audio sink: %w", err)
	}
	defer sink.Close()
	r.sink = sink

	capture.SetCallback(r.detector.Process)

	if err := capture.Start(ctx); err != nil {
		return fmt.Errorf("session: start audio capture: %w", err)
	}

	<-ctx.Done()
	return capture.Stop()
}

// RunSimulate drives the QSO state machine from whitespace-trimmed
// lines read from r, supporting /reset, /export, and /quit commands
// in addition to plain decoded-message text (spec.md §6 "--simulate").
func (r *Runtime) RunSimulate(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch line {
			case "/reset":
				r.Reset()
				continue
			case "/export":
				if err := r.eventSink.WriteExport(r.exportPath()); err != nil {
					fmt.Fprintf(r.out, "export failed: %v\n", err)
				} else {
					fmt.Fprintf(r.out, "exported session log to %s\n", r.exportPath())
				}
				continue
			case "/quit":
				return nil
			}
			r.dispatch(r.sm.Feed(cw.DecodedMessage{Text: line, Timestamp: r.clock.Now()}))
		}
	}
}

// RunKeyboard drives the iambic keyer as a practice oscillator from
// text read off r: '.' presses the dit paddle, '-' presses the dah
// paddle, and any other rune releases both and pauses for an
// inter-character gap (spec.md §6 "input-mode keyboard", §4.2). Each
// keyed symbol is played as sidetone on the configured output device
// and looped back into the decoder, exercising the same S0-S5 state
// machine as --input-mode audio without a real paddle interface.
func (r *Runtime) RunKeyboard(ctx context.Context, in io.Reader) error {
	keyer, err := cw.NewKeyer(r.settings.KeyerConfig(), r.clock)
	if err != nil {
		return fmt.Errorf("session: init keyer: %w", err)
	}
	keyer.SetToneCallback(r.decoder.HandleToneEvent)

	sink := audio.NewSink(r.settings.AudioSinkConfig())
	if err := sink.Open(); err != nil {
		return fmt.Errorf("session: open audio sink: %w", err)
	}
	defer sink.Close()
	r.sink = sink

	keyerCtx, stopKeyer := context.WithCancel(ctx)
	defer stopKeyer()
	keyerErr := make(chan error, 1)
	go func() { keyerErr <- keyer.Run(keyerCtx, sink) }()

	ditMs := cw.MillisecondsPerMinute / (float64(r.settings.WPMTarget) * cw.DitsPerWord)
	ditDur := time.Duration(ditMs * float64(time.Millisecond))
	dahDur := time.Duration(ditMs * cw.DitDahRatio * float64(time.Millisecond))
	gapDur := time.Duration(ditMs * cw.InterCharGapDots * float64(time.Millisecond))

	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			stopKeyer()
			<-keyerErr
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				stopKeyer()
				<-keyerErr
				return nil
			}
			for _, sym := range line {
				switch sym {
				case '.':
					keyPaddle(ctx, keyer.SetDitPaddle, ditDur)
				case '-':
					keyPaddle(ctx, keyer.SetDahPaddle, dahDur)
				default:
					select {
					case <-ctx.Done():
					case <-time.After(gapDur):
					}
				}
			}
		}
	}
}

// keyPaddle holds one paddle down for a single symbol's duration, long
// enough for the keyer's own polling loop to key and release it.
func keyPaddle(ctx context.Context, set func(bool), dur time.Duration) {
	set(true)
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
	set(false)
}

func (r *Runtime) exportPath() string {
	if r.settings.ExportPath != "" {
		return r.settings.ExportPath
	}
	return "session.json"
}

// dispatch applies one Feed/AdvanceQueue result: transmitting TxText
// effects, forwarding LogEvents to the event sink, and appending
// CompleteQSO records to the session log.
func (r *Runtime) dispatch(effects []qso.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case qso.TxText:
			r.transmit(e)
		case qso.LogEvent:
			r.eventSink.Emit(e.Event)
		case qso.CompleteQSO:
			ctx := r.sm.Context()
			r.eventSink.AppendQSO(r.clock.Now().Format(time.RFC3339), e.Record, ctx.WPMOut, ctx.ToneOutHz)
		case qso.StateChange:
			if e.New == qso.S1 {
				r.dispatch(r.sm.AdvanceQueue())
			}
		}
	}
}

// transmit renders and plays (or, in simulate mode, merely prints) one
// TxText effect at its QSO-specific wpm/tone.
func (r *Runtime) transmit(e qso.TxText) {
	wpm, toneHz := e.WPM, e.ToneHz
	if wpm <= 0 {
		wpm = r.settings.WPMOut
	}
	if toneHz <= 0 {
		toneHz = r.settings.ToneOutHz
	}

	fmt.Fprintf(r.out, "TX: %s\n", e.Text)

	if r.sink == nil {
		return
	}
	encoder, err := cw.NewEncoder(r.settings.EncoderConfig(wpm, toneHz))
	if err != nil {
		r.eventSink.Emit(ports.Event{Kind: "config.template_unresolved", Timestamp: r.clock.Now(),
			Fields: map[string]any{"error": err.Error()}})
		return
	}

	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}
	if err := encoder.Play(context.Background(), e.Text, r.sink); err != nil {
		r.eventSink.Emit(ports.Event{Kind: "audio.playback_error", Timestamp: r.clock.Now(),
			Fields: map[string]any{"error": err.Error()}})
	}
}
