// internal/audio/sink.go
package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	ErrSinkNotInitialized = errors.New("audio sink not initialized")
	ErrSinkAlreadyRunning = errors.New("audio sink already running")
)

// SinkBlockBufferSize is the capacity of the pending-block queue between
// Write callers (encoder/keyer goroutines) and the playback callback.
const SinkBlockBufferSize = 64

// SinkConfig holds playback device configuration.
type SinkConfig struct {
	DeviceIndex int    // -1 for default device
	SampleRate  uint32 // e.g., 48000
	Channels    uint32 // 1 for mono, 2 for stereo
	BufferSize  uint32 // frames per callback
}

// DefaultSinkConfig returns sensible defaults for CW sidetone/TX playback.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		DeviceIndex: -1,
		SampleRate:  48000,
		Channels:    1,
		BufferSize:  512,
	}
}

// Sink streams synthesized CW audio (sidetone and simulated TX) to an
// output device. It implements ports.AudioSink and mirrors Capture's
// atomic/mutex-guarded init/start/stop/close lifecycle, adapted for
// malgo.Playback instead of malgo.Capture.
type Sink struct {
	config  SinkConfig
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running atomic.Bool
	mu      sync.Mutex // protects ctx, device, pending

	// blocks queues samples handed to Write until the playback callback
	// consumes them; pending is the unconsumed tail of the block
	// currently being drained.
	blocks    chan []float32
	pending   []float32
	closeOnce sync.Once
}

// NewSink creates a new audio sink instance.
func NewSink(cfg SinkConfig) *Sink {
	return &Sink{config: cfg, blocks: make(chan []float32, SinkBlockBufferSize)}
}

// ListDevices returns available playback devices.
func (s *Sink) ListDevices() ([]malgo.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, ErrSinkNotInitialized
	}
	infos, err := s.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate playback devices: %w", err)
	}
	return infos, nil
}

// Open initializes the backend and starts the playback device. Safe to
// call once; call Close before reopening.
func (s *Sink) Open() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSinkAlreadyRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("init audio context: %w", err)
	}
	s.ctx = ctx

	deviceConfig := malgo.DeviceConfig{
		DeviceType:         malgo.Playback,
		SampleRate:         s.config.SampleRate,
		PeriodSizeInFrames: s.config.BufferSize,
		Playback: malgo.SubConfig{
			Format:   malgo.FormatF32,
			Channels: s.config.Channels,
		},
	}

	if s.config.DeviceIndex >= 0 {
		devices, err := ctx.Devices(malgo.Playback)
		if err != nil {
			ctx.Uninit()
			ctx.Free()
			s.ctx = nil
			s.running.Store(false)
			return fmt.Errorf("enumerate playback devices: %w", err)
		}
		if s.config.DeviceIndex >= len(devices) {
			ctx.Uninit()
			ctx.Free()
			s.ctx = nil
			s.running.Store(false)
			return fmt.Errorf("device index %d out of range (have %d devices)",
				s.config.DeviceIndex, len(devices))
		}
		deviceConfig.Playback.DeviceID = devices[s.config.DeviceIndex].ID.Pointer()
	}

	onSendFrames := func(outputSamples, _ []byte, _ uint32) {
		s.fill(outputSamples)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		s.ctx = nil
		s.running.Store(false)
		return fmt.Errorf("init playback device: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		s.device = nil
		ctx.Uninit()
		ctx.Free()
		s.ctx = nil
		s.running.Store(false)
		return fmt.Errorf("start playback device: %w", err)
	}

	return nil
}

// Write enqueues a block of samples for playback, blocking if the
// internal queue is full. Samples are copied; callers may reuse their
// buffer immediately after Write returns.
func (s *Sink) Write(samples []float32) error {
	if !s.running.Load() {
		return ErrSinkNotInitialized
	}
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.blocks <- cp
	return nil
}

// fill is invoked on the playback thread to satisfy one device period.
// Gaps between TX effects are left as silence (the underlying buffer
// starts zeroed) rather than repeating stale audio.
func (s *Sink) fill(outBytes []byte) {
	out := bytesAsFloat32(outBytes)
	filled := 0
	for filled < len(out) {
		if len(s.pending) == 0 {
			select {
			case block, ok := <-s.blocks:
				if !ok {
					return
				}
				s.pending = block
			default:
				return
			}
		}
		n := copy(out[filled:], s.pending)
		s.pending = s.pending[n:]
		filled += n
	}
}

// Close stops playback and releases all device/context resources.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.CompareAndSwap(true, false) {
		if s.device != nil {
			if err := s.device.Stop(); err != nil {
				log.Printf("audio: sink stop: %v", err)
			}
			s.device.Uninit()
			s.device = nil
		}
	}

	if s.ctx != nil {
		if err := s.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninit audio context: %w", err)
		}
		s.ctx.Free()
		s.ctx = nil
	}

	s.closeOnce.Do(func() { close(s.blocks) })
	return nil
}

// IsRunning returns true if the sink is open and playing.
func (s *Sink) IsRunning() bool {
	return s.running.Load()
}
