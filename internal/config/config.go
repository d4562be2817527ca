// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ColonelBlimp/cwqsotrainer/internal/audio"
	"github.com/ColonelBlimp/cwqsotrainer/internal/cw"
	"github.com/ColonelBlimp/cwqsotrainer/internal/dsp"
	"github.com/ColonelBlimp/cwqsotrainer/internal/qso"
)

const (
	AppName       = "cwqsotrainer"
	ConfigType    = "yaml"
	DefaultConfig = `# CW QSO trainer configuration

# Identity
my_call: "EA1ABC"
other_call: "K1ABC"       # fallback remote call when the pool is empty
cq_mode: "SIMPLE"         # SIMPLE | POTA | SOTA

# Station pools
other_calls_file: ""      # UTF-8 line file, '#' comments, first CSV field is a call
parks_file: ""            # CSV with reference/active columns (POTA)
my_park_ref: ""           # own park reference, enables P2P replies

# Pattern grammar override (falls back to embedded defaults on any error)
patterns_file: ""

# RX tuning
wpm_target: 18
tone_hz: 600
auto_wpm: true
auto_tone: true
message_gap_sec: 1.0

# TX speed/tone — fixed or per-QSO random range
wpm_out: 18
wpm_out_start: 0          # 0 disables the random range (use wpm_out)
wpm_out_end: 0
tone_out_hz: 600
tone_out_start_hz: 0      # 0 disables the random range (use tone_out_hz)
tone_out_end_hz: 0

# QSO protocol behavior
max_stations: 3
p2p_percent: 0            # POTA only
incoming_call_percent: 0
allow_599: false
allow_tu: false
disable_prosigns: false
prosign_literal: "CQ"
s4_prefix: "RR"           # R | RR
direct_flow: true         # false selects the legacy combined-line flow

# I/O
input_mode: "audio"       # audio | keyboard
input_device: -1
output_device: -1
sample_rate: 48000
buffer_size: 512
list_devices: false
simulate: false
export_path: ""

debug: false
`
)

// Settings holds the full CLI/config surface (spec.md §6).
type Settings struct {
	MyCall    string `mapstructure:"my_call"`
	OtherCall string `mapstructure:"other_call"`
	CQMode    string `mapstructure:"cq_mode"`

	CallPoolFile string `mapstructure:"other_calls_file"`
	ParksFile    string `mapstructure:"parks_file"`
	MyParkRef    string `mapstructure:"my_park_ref"`
	PatternsFile string `mapstructure:"patterns_file"`

	WPMTarget int     `mapstructure:"wpm_target"`
	ToneHz    float64 `mapstructure:"tone_hz"`
	AutoWPM   bool    `mapstructure:"auto_wpm"`
	AutoTone  bool    `mapstructure:"auto_tone"`

	MessageGapSec float64 `mapstructure:"message_gap_sec"`

	WPMOut      int `mapstructure:"wpm_out"`
	WPMOutStart int `mapstructure:"wpm_out_start"`
	WPMOutEnd   int `mapstructure:"wpm_out_end"`

	ToneOutHz      float64 `mapstructure:"tone_out_hz"`
	ToneOutStartHz float64 `mapstructure:"tone_out_start_hz"`
	ToneOutEndHz   float64 `mapstructure:"tone_out_end_hz"`

	MaxStations         int     `mapstructure:"max_stations"`
	P2PPercent          float64 `mapstructure:"p2p_percent"`
	IncomingCallPercent float64 `mapstructure:"incoming_call_percent"`

	Allow599        bool   `mapstructure:"allow_599"`
	AllowTU         bool   `mapstructure:"allow_tu"`
	DisableProsigns bool   `mapstructure:"disable_prosigns"`
	ProsignLiteral  string `mapstructure:"prosign_literal"`
	S4Prefix        string `mapstructure:"s4_prefix"`
	DirectFlow      bool   `mapstructure:"direct_flow"`

	InputMode    string `mapstructure:"input_mode"`
	InputDevice  int    `mapstructure:"input_device"`
	OutputDevice int    `mapstructure:"output_device"`
	SampleRate   uint32 `mapstructure:"sample_rate"`
	BufferSize   uint32 `mapstructure:"buffer_size"`
	ListDevices  bool   `mapstructure:"list_devices"`
	Simulate     bool   `mapstructure:"simulate"`
	ExportPath   string `mapstructure:"export_path"`

	Debug bool `mapstructure:"debug"`
}

// Init initializes Viper with defaults and config file.
// Config file search order: current directory, then ~/.config/cwqsotrainer/
func Init() error {
	setDefaults()

	viper.SetConfigType(ConfigType)
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			xdgConfigPath := filepath.Join(configDir, AppName)
			if err = ensureConfigExists(xdgConfigPath); err != nil {
				return err
			}
			if err = viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("my_call", "EA1ABC")
	viper.SetDefault("other_call", "K1ABC")
	viper.SetDefault("cq_mode", "SIMPLE")
	viper.SetDefault("other_calls_file", "")
	viper.SetDefault("parks_file", "")
	viper.SetDefault("my_park_ref", "")
	viper.SetDefault("patterns_file", "")
	viper.SetDefault("wpm_target", 18)
	viper.SetDefault("tone_hz", 600)
	viper.SetDefault("auto_wpm", true)
	viper.SetDefault("auto_tone", true)
	viper.SetDefault("message_gap_sec", 1.0)
	viper.SetDefault("wpm_out", 18)
	viper.SetDefault("wpm_out_start", 0)
	viper.SetDefault("wpm_out_end", 0)
	viper.SetDefault("tone_out_hz", 600)
	viper.SetDefault("tone_out_start_hz", 0)
	viper.SetDefault("tone_out_end_hz", 0)
	viper.SetDefault("max_stations", 3)
	viper.SetDefault("p2p_percent", 0)
	viper.SetDefault("incoming_call_percent", 0)
	viper.SetDefault("allow_599", false)
	viper.SetDefault("allow_tu", false)
	viper.SetDefault("disable_prosigns", false)
	viper.SetDefault("prosign_literal", "CQ")
	viper.SetDefault("s4_prefix", "RR")
	viper.SetDefault("direct_flow", true)
	viper.SetDefault("input_mode", "audio")
	viper.SetDefault("input_device", -1)
	viper.SetDefault("output_device", -1)
	viper.SetDefault("sample_rate", 48000)
	viper.SetDefault("buffer_size", 512)
	viper.SetDefault("list_devices", false)
	viper.SetDefault("simulate", false)
	viper.SetDefault("export_path", "")
	viper.SetDefault("debug", false)
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err = os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err = os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get returns the current settings.
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Validate checks that all settings are within acceptable ranges.
func (s *Settings) Validate() error {
	var errs []error

	if strings.TrimSpace(s.MyCall) == "" {
		errs = append(errs, errors.New("my_call must not be empty"))
	}
	switch strings.ToUpper(s.CQMode) {
	case "SIMPLE", "POTA", "SOTA":
	default:
		errs = append(errs, fmt.Errorf("cq_mode must be SIMPLE, POTA, or SOTA, got %q", s.CQMode))
	}

	if s.WPMTarget < 5 || s.WPMTarget > 60 {
		errs = append(errs, fmt.Errorf("wpm_target must be between 5 and 60, got %d", s.WPMTarget))
	}
	if s.ToneHz < 100 || s.ToneHz > 3000 {
		errs = append(errs, fmt.Errorf("tone_hz must be between 100 and 3000 Hz, got %v", s.ToneHz))
	}
	if s.ToneHz >= float64(s.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("tone_hz (%v Hz) must be less than Nyquist frequency (%v Hz)", s.ToneHz, float64(s.SampleRate)/2))
	}
	if s.MessageGapSec <= 0 {
		errs = append(errs, fmt.Errorf("message_gap_sec must be positive, got %v", s.MessageGapSec))
	}

	if s.WPMOutStart != 0 || s.WPMOutEnd != 0 {
		if s.WPMOutStart < 5 || s.WPMOutEnd > 60 || s.WPMOutStart > s.WPMOutEnd {
			errs = append(errs, fmt.Errorf("wpm_out_start/wpm_out_end must satisfy 5 <= start <= end <= 60, got %d..%d", s.WPMOutStart, s.WPMOutEnd))
		}
	} else if s.WPMOut < 5 || s.WPMOut > 60 {
		errs = append(errs, fmt.Errorf("wpm_out must be between 5 and 60, got %d", s.WPMOut))
	}

	if s.ToneOutStartHz != 0 || s.ToneOutEndHz != 0 {
		if s.ToneOutStartHz < 100 || s.ToneOutEndHz > 3000 || s.ToneOutStartHz > s.ToneOutEndHz {
			errs = append(errs, fmt.Errorf("tone_out_start_hz/tone_out_end_hz must satisfy 100 <= start <= end <= 3000, got %v..%v", s.ToneOutStartHz, s.ToneOutEndHz))
		}
	} else if s.ToneOutHz < 100 || s.ToneOutHz > 3000 {
		errs = append(errs, fmt.Errorf("tone_out_hz must be between 100 and 3000 Hz, got %v", s.ToneOutHz))
	}

	if s.MaxStations < 1 || s.MaxStations > 20 {
		errs = append(errs, fmt.Errorf("max_stations must be between 1 and 20, got %d", s.MaxStations))
	}
	if s.P2PPercent < 0 || s.P2PPercent > 100 {
		errs = append(errs, fmt.Errorf("p2p_percent must be between 0 and 100, got %v", s.P2PPercent))
	}
	if s.IncomingCallPercent < 0 || s.IncomingCallPercent > 100 {
		errs = append(errs, fmt.Errorf("incoming_call_percent must be between 0 and 100, got %v", s.IncomingCallPercent))
	}

	switch strings.ToUpper(s.S4Prefix) {
	case "R", "RR":
	default:
		errs = append(errs, fmt.Errorf("s4_prefix must be R or RR, got %q", s.S4Prefix))
	}

	switch strings.ToLower(s.InputMode) {
	case "audio", "keyboard":
	default:
		errs = append(errs, fmt.Errorf("input_mode must be audio or keyboard, got %q", s.InputMode))
	}

	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", s.SampleRate))
	}
	if s.BufferSize < 64 || s.BufferSize > 8192 {
		errs = append(errs, fmt.Errorf("buffer_size must be between 64 and 8192, got %d", s.BufferSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// QSOCQMode resolves the string config value to a qso.CQMode.
func (s *Settings) QSOCQMode() qso.CQMode {
	switch strings.ToUpper(s.CQMode) {
	case "POTA":
		return qso.CQPOTA
	case "SOTA":
		return qso.CQSOTA
	default:
		return qso.CQSimple
	}
}

// GoertzelConfig builds the tone-detection filter config for the RX path.
func (s *Settings) GoertzelConfig() dsp.GoertzelConfig {
	return dsp.GoertzelConfig{
		TargetFrequency: s.ToneHz,
		SampleRate:      float64(s.SampleRate),
		BlockSize:       int(s.BufferSize),
	}
}

// DetectorConfig builds the keying-envelope detector config.
func (s *Settings) DetectorConfig() dsp.DetectorConfig {
	return dsp.DetectorConfig{
		ThresholdOn:   3.0,
		ThresholdOff:  1.8,
		PowerSmooth:   0.3,
		AlphaNoise:    0.01,
		MinKeyDownMs:  8,
		AutoTone:      s.AutoTone,
		RetuneEveryMs: 500,
		SampleRate:    float64(s.SampleRate),
	}
}

// DecoderConfig builds the symbol-timing decoder config for the RX path.
func (s *Settings) DecoderConfig() cw.DecoderConfig {
	return cw.DecoderConfig{
		WPMTarget:         s.WPMTarget,
		AutoWPM:           s.AutoWPM,
		AdaptiveSmoothing: 0.2,
		GapCharDots:       2.5,
		MessageGapSec:     s.MessageGapSec,
		MinUpRatio:        0,
	}
}

// EncoderConfig builds the TX synthesis config, given the per-QSO
// wpm/tone the state machine picked (spec.md §4.3's random-range draw).
func (s *Settings) EncoderConfig(wpm int, toneHz float64) cw.EncoderConfig {
	return cw.EncoderConfig{
		WPM:            wpm,
		FarnsworthWPM:  0,
		ToneHz:         toneHz,
		Volume:         0.8,
		SampleRate:     float64(s.SampleRate),
		RampMs:         4,
		ProsignLiteral: s.TXProsign(),
	}
}

// KeyerConfig builds the operator-sidetone keyer config.
func (s *Settings) KeyerConfig() cw.KeyerConfig {
	return cw.KeyerConfig{
		WPM:        s.WPMTarget,
		ToneHz:     s.ToneHz,
		Volume:     0.8,
		SampleRate: float64(s.SampleRate),
	}
}

// TXProsign returns the configured prosign literal, or "" when prosigns
// are disabled entirely (spec.md §6 "--disable-prosigns").
func (s *Settings) TXProsign() string {
	if s.DisableProsigns {
		return ""
	}
	return s.ProsignLiteral
}

// QSOConfig builds the static half of the QSO state machine's config.
func (s *Settings) QSOConfig() qso.Config {
	return qso.Config{
		MyCall:      strings.ToUpper(s.MyCall),
		MyParkRef:   s.MyParkRef,
		Prosign:     s.TXProsign(),
		UseProsigns: !s.DisableProsigns,
		AllowTU:     s.AllowTU,
		Allow599:    s.Allow599,
		DirectFlow:  s.DirectFlow,
		S4Prefix:    strings.ToUpper(s.S4Prefix),

		MaxStations:         s.MaxStations,
		P2PPercent:          s.P2PPercent,
		IncomingCallPercent: s.IncomingCallPercent,

		WPMOutMin: wpmOutMin(s), WPMOutMax: wpmOutMax(s),
		ToneOutMinHz: toneOutMin(s), ToneOutMaxHz: toneOutMax(s),
	}
}

func wpmOutMin(s *Settings) int {
	if s.WPMOutStart > 0 {
		return s.WPMOutStart
	}
	return s.WPMOut
}

func wpmOutMax(s *Settings) int {
	if s.WPMOutEnd > 0 {
		return s.WPMOutEnd
	}
	return s.WPMOut
}

func toneOutMin(s *Settings) float64 {
	if s.ToneOutStartHz > 0 {
		return s.ToneOutStartHz
	}
	return s.ToneOutHz
}

func toneOutMax(s *Settings) float64 {
	if s.ToneOutEndHz > 0 {
		return s.ToneOutEndHz
	}
	return s.ToneOutHz
}

// AudioCaptureConfig builds the RX device config.
func (s *Settings) AudioCaptureConfig() audio.Config {
	return audio.Config{
		DeviceIndex: s.InputDevice,
		SampleRate:  s.SampleRate,
		Channels:    1,
		BufferSize:  s.BufferSize,
	}
}

// AudioSinkConfig builds the TX/sidetone playback device config.
func (s *Settings) AudioSinkConfig() audio.SinkConfig {
	return audio.SinkConfig{
		DeviceIndex: s.OutputDevice,
		SampleRate:  s.SampleRate,
		Channels:    1,
		BufferSize:  s.BufferSize,
	}
}
