// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ColonelBlimp/cwqsotrainer/internal/audio"
	"github.com/ColonelBlimp/cwqsotrainer/internal/config"
	"github.com/ColonelBlimp/cwqsotrainer/internal/session"
)

// Exit codes, per spec.md §6 "Exit codes".
const (
	ExitOK          = 0
	ExitConfigError = 2
	ExitAudioError  = 3
	ExitInterrupted = 130
)

// exitErr pairs a returned error with the process exit code it should
// produce, so runTrainer can stay a plain error-returning RunE function
// (testable via rootCmd.Execute()) while Execute alone calls os.Exit,
// mirroring the teacher's own Execute-is-the-only-os.Exit-site shape.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitErr{code: code, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "cwqsotrainer",
	Short: "CW QSO trainer: realtime Morse decoder, encoder, and simulated on-air partner",
	Long: `cwqsotrainer decodes live CW off an audio input, drives a six-state
simulated QSO (CQ, station selection, report exchange, sign-off) against
a configurable pool of remote calls and POTA park references, and
answers back in synthesized CW.`,
	RunE: runTrainer,
}

func runTrainer(_ *cobra.Command, _ []string) error {
	settings, err := config.Get()
	if err != nil {
		return fail(ExitConfigError, "config error: %w", err)
	}

	if settings.ListDevices {
		return listDevices()
	}

	rt, err := session.New(settings, os.Stdout)
	if err != nil {
		return fail(ExitConfigError, "init error: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	interrupted := make(chan struct{})
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		close(interrupted)
		cancel()
	}()

	var runErr error
	switch {
	case settings.Simulate:
		fmt.Println("Simulate mode: type decoded text, or /reset /export /quit.")
		runErr = rt.RunSimulate(ctx, os.Stdin)
	case settings.InputMode == "keyboard":
		fmt.Println("Keyboard keyer: '.' dits, '-' dahs, any other key releases both. /quit to stop.")
		runErr = rt.RunKeyboard(ctx, os.Stdin)
	default:
		fmt.Println("Listening... Press Ctrl+C to stop.")
		runErr = rt.RunAudio(ctx)
	}

	select {
	case <-interrupted:
		return &exitErr{code: ExitInterrupted, err: errors.New("interrupted")}
	default:
	}

	if runErr != nil {
		return fail(ExitAudioError, "runtime error: %w", runErr)
	}

	if settings.ExportPath != "" {
		if err := rt.EventSink().WriteExport(settings.ExportPath); err != nil {
			return fail(ExitConfigError, "export error: %w", err)
		}
	}

	return nil
}

func listDevices() error {
	capture := audio.New(audio.DefaultConfig())
	if err := capture.Init(); err != nil {
		return fail(ExitAudioError, "audio device error: %w", err)
	}
	defer capture.Close()

	inputs, err := capture.ListDevices()
	if err != nil {
		return fail(ExitAudioError, "audio device error: %w", err)
	}
	fmt.Println("Input devices:")
	for i, d := range inputs {
		fmt.Printf("  [%d] %s\n", i, d.Name())
	}

	sink := audio.NewSink(audio.DefaultSinkConfig())
	if err := sink.Open(); err != nil {
		return fail(ExitAudioError, "audio device error: %w", err)
	}
	defer sink.Close()

	outputs, err := sink.ListDevices()
	if err != nil {
		return fail(ExitAudioError, "audio device error: %w", err)
	}
	fmt.Println("Output devices:")
	for i, d := range outputs {
		fmt.Printf("  [%d] %s\n", i, d.Name())
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "execution error: %v\n", err)
		var ee *exitErr
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()

	flags.String("my-call", "", "own callsign")
	flags.String("other-call", "", "fallback remote call used when the pool is empty")
	flags.String("cq-mode", "", "CQ variant: SIMPLE, POTA, or SOTA")
	flags.String("other-calls-file", "", "path to a dynamic call pool file")
	flags.String("parks-file", "", "path to a POTA park-reference CSV file")
	flags.String("my-park-ref", "", "own park reference, enables P2P replies")
	flags.String("patterns-file", "", "path to a pattern-grammar override YAML file")

	flags.Int("wpm-target", 0, "RX target WPM")
	flags.Int("wpm-out", 0, "fixed TX WPM")
	flags.Int("wpm-out-start", 0, "lower bound of the per-QSO random TX WPM range")
	flags.Int("wpm-out-end", 0, "upper bound of the per-QSO random TX WPM range")
	flags.Float64("tone-hz", 0, "fixed RX tone frequency")
	flags.Float64("tone-out-hz", 0, "fixed TX tone frequency")
	flags.Float64("tone-out-start-hz", 0, "lower bound of the per-QSO random TX tone range")
	flags.Float64("tone-out-end-hz", 0, "upper bound of the per-QSO random TX tone range")
	flags.Float64("message-gap-sec", 0, "silence duration that ends a decoded message")

	flags.Bool("auto-wpm", true, "adapt RX WPM to the incoming signal")
	flags.Bool("fixed-wpm", false, "disable RX WPM adaptation (overrides --auto-wpm)")
	flags.Bool("auto-tone", true, "adapt RX tone frequency to the incoming signal")
	flags.Bool("fixed-tone", false, "disable RX tone adaptation (overrides --auto-tone)")

	flags.Int("max-stations", 0, "maximum simulated stations queued per CQ")
	flags.Float64("p2p-percent", 0, "probability (0-100) a CQ draws a park-to-park contact, POTA only")
	flags.Bool("allow-599", false, "accept a bare 599 report in addition to the configured form")
	flags.Bool("allow-tu", false, "accept a trailing TU in the close-out")
	flags.Bool("disable-prosigns", false, "omit prosign framing from transmitted text")
	flags.String("prosign-literal", "", "literal prosign text used when prosigns are enabled")
	flags.String("s4-prefix", "", "legacy-flow acknowledgement prefix: R or RR")

	flags.String("input-mode", "", "input source: audio or keyboard")
	flags.Int("input-device", -1, "capture device index (-1 for default)")
	flags.Int("output-device", -1, "playback device index (-1 for default)")
	flags.Bool("list-devices", false, "enumerate audio devices and exit")
	flags.Bool("simulate", false, "read decoded text from stdin instead of audio")
	flags.Bool("direct-flow", true, "use the direct report flow instead of the legacy combined line")
	flags.Bool("legacy-flow", false, "use the legacy combined report line (overrides --direct-flow)")

	flags.String("export-path", "", "session log export path")
	flags.BoolP("debug", "D", false, "enable debug output")

	bind := func(key, flag string) {
		cobra.CheckErr(viper.BindPFlag(key, flags.Lookup(flag)))
	}
	bind("my_call", "my-call")
	bind("other_call", "other-call")
	bind("cq_mode", "cq-mode")
	bind("other_calls_file", "other-calls-file")
	bind("parks_file", "parks-file")
	bind("my_park_ref", "my-park-ref")
	bind("patterns_file", "patterns-file")
	bind("wpm_target", "wpm-target")
	bind("wpm_out", "wpm-out")
	bind("wpm_out_start", "wpm-out-start")
	bind("wpm_out_end", "wpm-out-end")
	bind("tone_hz", "tone-hz")
	bind("tone_out_hz", "tone-out-hz")
	bind("tone_out_start_hz", "tone-out-start-hz")
	bind("tone_out_end_hz", "tone-out-end-hz")
	bind("message_gap_sec", "message-gap-sec")
	bind("auto_wpm", "auto-wpm")
	bind("auto_tone", "auto-tone")
	bind("max_stations", "max-stations")
	bind("p2p_percent", "p2p-percent")
	bind("allow_599", "allow-599")
	bind("allow_tu", "allow-tu")
	bind("disable_prosigns", "disable-prosigns")
	bind("prosign_literal", "prosign-literal")
	bind("s4_prefix", "s4-prefix")
	bind("input_mode", "input-mode")
	bind("input_device", "input-device")
	bind("output_device", "output-device")
	bind("list_devices", "list-devices")
	bind("simulate", "simulate")
	bind("direct_flow", "direct-flow")
	bind("export_path", "export-path")
	bind("debug", "debug")
}

func initConfig() {
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(ExitConfigError)
	}

	// --fixed-wpm/--fixed-tone/--legacy-flow are negation flags, kept
	// separate from the positive auto_wpm/auto_tone/direct_flow keys
	// config.Settings actually reads so a bare --fixed-wpm on the CLI
	// overrides a config-file auto_wpm: true.
	if rootCmd.PersistentFlags().Changed("fixed-wpm") {
		viper.Set("auto_wpm", false)
	}
	if rootCmd.PersistentFlags().Changed("fixed-tone") {
		viper.Set("auto_tone", false)
	}
	if rootCmd.PersistentFlags().Changed("legacy-flow") {
		viper.Set("direct_flow", false)
	}
}
