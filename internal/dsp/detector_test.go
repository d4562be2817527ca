// internal/dsp/detector_test.go
package dsp

import (
	"sync"
	"testing"
	"time"

	"github.com/ColonelBlimp/cwqsotrainer/internal/ports"
)

const (
	detectorTestSampleRate    = 48000.0
	detectorTestToneFrequency = 600.0
	detectorTestBlockSize     = 512
)

func createTestGoertzel(t *testing.T) *Goertzel {
	t.Helper()
	cfg := GoertzelConfig{
		TargetFrequency: detectorTestToneFrequency,
		SampleRate:      detectorTestSampleRate,
		BlockSize:       detectorTestBlockSize,
	}
	g, err := NewGoertzel(cfg)
	if err != nil {
		t.Fatalf("Failed to create Goertzel: %v", err)
	}
	return g
}

func createTestDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ThresholdOn:  3.0,
		ThresholdOff: 1.5,
		PowerSmooth:  0.05,
		AlphaNoise:   0.05,
		MinKeyDownMs: 0,
	}
}

func TestNewDetector_ValidConfig(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed with valid config: %v", err)
	}
	if d == nil {
		t.Fatal("NewDetector returned nil with valid config")
	}
}

func TestNewDetector_NilGoertzel(t *testing.T) {
	cfg := createTestDetectorConfig()

	_, err := NewDetector(cfg, nil, nil, nil)
	if err != ErrGoertzelRequired {
		t.Errorf("expected ErrGoertzelRequired, got: %v", err)
	}
}

func TestNewDetector_InvalidThresholdOn(t *testing.T) {
	g := createTestGoertzel(t)

	for _, v := range []float64{0, -0.1, -5} {
		cfg := createTestDetectorConfig()
		cfg.ThresholdOn = v
		_, err := NewDetector(cfg, g, nil, nil)
		if err != ErrInvalidThresholdOn {
			t.Errorf("threshold_on=%v: expected ErrInvalidThresholdOn, got: %v", v, err)
		}
	}
}

func TestNewDetector_InvalidThresholdOff(t *testing.T) {
	g := createTestGoertzel(t)

	testCases := []struct {
		name string
		on   float64
		off  float64
	}{
		{"zero off", 3.0, 0},
		{"negative off", 3.0, -1.0},
		{"off equals on", 3.0, 3.0},
		{"off above on", 3.0, 4.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := createTestDetectorConfig()
			cfg.ThresholdOn = tc.on
			cfg.ThresholdOff = tc.off
			_, err := NewDetector(cfg, g, nil, nil)
			if err != ErrInvalidThresholdOff {
				t.Errorf("expected ErrInvalidThresholdOff, got: %v", err)
			}
		})
	}
}

func TestNewDetector_InvalidPowerSmooth(t *testing.T) {
	g := createTestGoertzel(t)
	for _, v := range []float64{-0.1, 1.1} {
		cfg := createTestDetectorConfig()
		cfg.PowerSmooth = v
		_, err := NewDetector(cfg, g, nil, nil)
		if err != ErrInvalidPowerSmooth {
			t.Errorf("power_smooth=%v: expected ErrInvalidPowerSmooth, got: %v", v, err)
		}
	}
}

func TestNewDetector_InvalidNoiseAlpha(t *testing.T) {
	g := createTestGoertzel(t)
	for _, v := range []float64{-0.1, 1.1} {
		cfg := createTestDetectorConfig()
		cfg.AlphaNoise = v
		_, err := NewDetector(cfg, g, nil, nil)
		if err != ErrInvalidNoiseAlpha {
			t.Errorf("alpha_noise=%v: expected ErrInvalidNoiseAlpha, got: %v", v, err)
		}
	}
}

func TestNewDetector_InvalidMinKeyDown(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()
	cfg.MinKeyDownMs = -1
	_, err := NewDetector(cfg, g, nil, nil)
	if err != ErrInvalidMinKeyDown {
		t.Errorf("expected ErrInvalidMinKeyDown, got: %v", err)
	}
}

func TestDetector_ToneState_InitiallyFalse(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	if d.ToneState() != false {
		t.Error("Initial tone state should be false")
	}
}

func TestDetector_SetCallback_Nil(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	// Should not panic
	d.SetCallback(nil)
	samples := generateSineWave(detectorTestToneFrequency, detectorTestSampleRate, detectorTestBlockSize, 1.0)
	d.Process(samples)
}

func TestDetector_Process_ToneDetection(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	var events []ToneEvent
	var mu sync.Mutex
	d.SetCallback(func(event ToneEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	// First block anchors P_ref at silence; loud blocks afterward should
	// push the ratio over ThresholdOn.
	d.Process(generateSilence(detectorTestBlockSize))
	for i := 0; i < 5; i++ {
		samples := generateSineWave(detectorTestToneFrequency, detectorTestSampleRate, detectorTestBlockSize, 1.0)
		d.Process(samples)
	}

	mu.Lock()
	defer mu.Unlock()

	foundToneOn := false
	for _, e := range events {
		if e.ToneOn {
			foundToneOn = true
		}
	}
	if !foundToneOn {
		t.Error("Expected a tone-on event after loud blocks following silence")
	}
}

func TestDetector_Process_Silence(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		d.Process(generateSilence(detectorTestBlockSize))
	}

	if d.ToneState() != false {
		t.Error("Tone state should be false for continuous silence")
	}
}

func TestDetector_MinKeyDown_DebouncesShortBlips(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()
	cfg.MinKeyDownMs = 1000 // require a full second of sustained ratio

	clock := ports.NewVirtualClock(time.Unix(0, 0))
	d, err := NewDetector(cfg, g, clock, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	eventCount := 0
	d.SetCallback(func(event ToneEvent) { eventCount++ })

	d.Process(generateSilence(detectorTestBlockSize))
	// A brief loud block, then immediately back to silence, should not
	// survive the debounce window.
	loud := generateSineWave(detectorTestToneFrequency, detectorTestSampleRate, detectorTestBlockSize, 1.0)
	d.Process(loud)
	clock.Advance(10 * time.Millisecond)
	d.Process(generateSilence(detectorTestBlockSize))

	if eventCount != 0 {
		t.Errorf("short blip under min_key_down_ms should not confirm a transition, got %d events", eventCount)
	}

	// Sustained loud signal across the full debounce window should confirm.
	for i := 0; i < 5; i++ {
		d.Process(loud)
		clock.Advance(300 * time.Millisecond)
	}
	if eventCount == 0 {
		t.Error("sustained tone across min_key_down_ms should confirm a transition")
	}
}

func TestDetector_Calibrate_AnchorsRefPower(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	d.Process(generateNoise(detectorTestBlockSize, 0.05))
	d.Calibrate()

	if d.RefPower() <= 0 {
		t.Error("Calibrate should leave RefPower positive")
	}
	if d.ToneState() {
		t.Error("Calibrate should not itself change keying state")
	}
}

func TestDetector_ToneEvent_Duration(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	clock := ports.NewVirtualClock(time.Unix(0, 0))
	d, err := NewDetector(cfg, g, clock, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	var events []ToneEvent
	d.SetCallback(func(event ToneEvent) {
		events = append(events, event)
	})

	d.Process(generateSilence(detectorTestBlockSize))
	loud := generateSineWave(detectorTestToneFrequency, detectorTestSampleRate, detectorTestBlockSize, 1.0)
	for i := 0; i < 3; i++ {
		d.Process(loud)
		clock.Advance(20 * time.Millisecond)
	}
	clock.Advance(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		d.Process(generateSilence(detectorTestBlockSize))
		clock.Advance(20 * time.Millisecond)
	}

	if len(events) == 0 {
		t.Fatal("Expected at least one event")
	}
	if events[0].Duration != 0 {
		t.Errorf("first transition should report zero duration, got %v", events[0].Duration)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Duration <= 0 {
			t.Errorf("event %d duration should be positive: %v", i, events[i].Duration)
		}
	}
}

func TestDetector_AutoTone_RetunesGoertzel(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()
	cfg.AutoTone = true
	cfg.SampleRate = detectorTestSampleRate

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	// Feed a tone at a different frequency than the Goertzel's current
	// target; after enough samples accumulate for one scan window the
	// bin should retune toward it.
	offFreq := 800.0
	samples := generateSineWave(offFreq, detectorTestSampleRate, detectorTestBlockSize*4, 1.0)
	d.Process(samples)

	got := g.Config().TargetFrequency
	if got == detectorTestToneFrequency {
		t.Error("expected auto-tone to retune away from the initial target frequency")
	}
}

func TestDetector_OffFrequency_NoDetection(t *testing.T) {
	g := createTestGoertzel(t)
	cfg := createTestDetectorConfig()

	d, err := NewDetector(cfg, g, nil, nil)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	d.Process(generateSilence(detectorTestBlockSize))
	offFrequency := detectorTestToneFrequency + 500
	for i := 0; i < 5; i++ {
		samples := generateSineWave(offFrequency, detectorTestSampleRate, detectorTestBlockSize, 1.0)
		d.Process(samples)
	}

	if d.ToneState() {
		t.Error("Should not detect tone at a frequency far from the Goertzel target")
	}
}

func BenchmarkDetector_Process(b *testing.B) {
	cfg := GoertzelConfig{
		TargetFrequency: detectorTestToneFrequency,
		SampleRate:      detectorTestSampleRate,
		BlockSize:       detectorTestBlockSize,
	}
	g, err := NewGoertzel(cfg)
	if err != nil {
		b.Fatalf("NewGoertzel failed: %v", err)
	}

	d, err := NewDetector(createTestDetectorConfig(), g, nil, nil)
	if err != nil {
		b.Fatalf("NewDetector failed: %v", err)
	}

	samples := generateSineWave(detectorTestToneFrequency, detectorTestSampleRate, detectorTestBlockSize, 1.0)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		d.Process(samples)
	}
}
