package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/config"
)

func testSettings() *config.Settings {
	return &config.Settings{
		MyCall:         "EA1ABC",
		OtherCall:      "K1ABC",
		CQMode:         "SIMPLE",
		WPMTarget:      18,
		ToneHz:         600,
		AutoWPM:        true,
		AutoTone:       true,
		MessageGapSec:  1.0,
		WPMOut:         20,
		ToneOutHz:      700,
		MaxStations:    1,
		S4Prefix:       "RR",
		ProsignLiteral: "CAVE",
		DirectFlow:     true,
		InputMode:      "keyboard",
		InputDevice:    -1,
		OutputDevice:   -1,
		SampleRate:     48000,
		BufferSize:     512,
	}
}

func TestNew_WiresWithoutFiles(t *testing.T) {
	rt, err := New(testSettings(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if rt.sm == nil || rt.decoder == nil || rt.detector == nil {
		t.Fatal("New() left a core component nil")
	}
}

func TestNew_LoadsCallPoolFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.txt")
	if err := os.WriteFile(path, []byte("# comment\nk1abc\n"), 0644); err != nil {
		t.Fatalf("write call pool: %v", err)
	}

	s := testSettings()
	s.CallPoolFile = path

	rt, err := New(s, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if rt == nil {
		t.Fatal("New() returned nil runtime")
	}
}

func TestNew_BadCallPoolFilePropagatesError(t *testing.T) {
	s := testSettings()
	s.CallPoolFile = filepath.Join(t.TempDir(), "does-not-exist.txt")

	if _, err := New(s, &bytes.Buffer{}); err == nil {
		t.Error("New() should error when other_calls_file cannot be read")
	}
}

func TestRunSimulate_CQProducesTX(t *testing.T) {
	var out bytes.Buffer
	rt, err := New(testSettings(), &out)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := strings.NewReader("CQ CQ EA1ABC EA1ABC K\n/quit\n")
	if err := rt.RunSimulate(ctx, in); err != nil {
		t.Fatalf("RunSimulate() error = %v", err)
	}

	if !strings.Contains(out.String(), "TX:") {
		t.Errorf("RunSimulate() output = %q, want at least one TX: line", out.String())
	}
}

func TestRunSimulate_ResetDoesNotPanic(t *testing.T) {
	var out bytes.Buffer
	rt, err := New(testSettings(), &out)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	in := strings.NewReader("/reset\n/quit\n")
	if err := rt.RunSimulate(ctx, in); err != nil {
		t.Fatalf("RunSimulate() error = %v", err)
	}
}

func TestRunSimulate_ExportWritesFile(t *testing.T) {
	var out bytes.Buffer
	s := testSettings()
	s.ExportPath = filepath.Join(t.TempDir(), "out.json")

	rt, err := New(s, &out)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	in := strings.NewReader("/export\n/quit\n")
	if err := rt.RunSimulate(ctx, in); err != nil {
		t.Fatalf("RunSimulate() error = %v", err)
	}

	if _, err := os.Stat(s.ExportPath); err != nil {
		t.Errorf("/export did not write %s: %v", s.ExportPath, err)
	}
}

func TestRunSimulate_QuitStopsImmediately(t *testing.T) {
	var out bytes.Buffer
	rt, err := New(testSettings(), &out)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := strings.NewReader("/quit\nCQ CQ EA1ABC EA1ABC K\n")
	start := time.Now()
	if err := rt.RunSimulate(ctx, in); err != nil {
		t.Fatalf("RunSimulate() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("RunSimulate() did not stop promptly on /quit")
	}
}
