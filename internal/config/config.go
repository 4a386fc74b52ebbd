// Package config implements the host-facing settings schema from the
// external-interfaces design (device selection, routing, layout, session
// parameters) and the persisted per-device document, following the
// teacher's internal/config package: Viper-backed, XDG-path config
// discovery, validation that joins every error it finds rather than
// stopping at the first one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/asiofanout/asiofanout/internal/audiofmt"
	"github.com/asiofanout/asiofanout/internal/layout"
	"github.com/asiofanout/asiofanout/internal/listener"
)

const (
	AppName    = "asiofanout"
	ConfigType = "yaml"
)

// Settings is one source's configuration, matching the settings schema
// table: device_id, speaker_layout, route N, sample_rate, buffer_size,
// bit_depth/audio_format.
type Settings struct {
	DeviceID      string
	SpeakerLayout layout.SpeakerLayout
	Routes        [listener.MaxOutputChannels]int32
	SampleRate    uint32
	BufferSize    uint32
	Format        audiofmt.Format
}

// Defaults returns the baseline settings a freshly created source starts
// with, i.e. get_defaults(settings) from the host plugin surface.
func Defaults() Settings {
	return Settings{
		DeviceID:      "",
		SpeakerLayout: layout.Stereo,
		Routes:        [listener.MaxOutputChannels]int32{0, 1, -1, -1, -1, -1, -1, -1},
		SampleRate:    48000,
		BufferSize:    256,
		Format:        audiofmt.F32Planar,
	}
}

var (
	ErrInvalidLayout     = errors.New("config: invalid speaker layout")
	ErrInvalidSampleRate = errors.New("config: sample_rate must be positive")
	ErrInvalidBufferSize = errors.New("config: buffer_size must be positive")
	ErrInvalidFormat     = errors.New("config: unsupported audio format")
)

// Validate checks every field and joins all violations found, matching the
// teacher's Settings.Validate style.
func (s Settings) Validate() error {
	var errs []error
	if !s.SpeakerLayout.Valid() {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidLayout, int(s.SpeakerLayout)))
	}
	if s.SampleRate == 0 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if s.BufferSize == 0 {
		errs = append(errs, ErrInvalidBufferSize)
	}
	if s.Format.BytesPerSample() == 0 {
		errs = append(errs, ErrInvalidFormat)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RoutingTable converts Settings.Routes into a listener.RoutingTable.
func (s Settings) RoutingTable() listener.RoutingTable {
	var t listener.RoutingTable
	copy(t[:], s.Routes[:])
	return t
}

// formatNames maps audio_format settings-map values to audiofmt.Format, per
// the bit_depth/audio_format schema entry.
var formatNames = map[string]audiofmt.Format{
	"16bit":  audiofmt.S16Planar,
	"32bit":  audiofmt.S32Planar,
	"32bitf": audiofmt.F32Planar,
	"8bit":   audiofmt.U8Planar,
}

func formatName(f audiofmt.Format) string {
	for name, v := range formatNames {
		if v == f {
			return name
		}
	}
	return "32bitf"
}

// FromMap decodes a host settings map (spec section 6) into Settings.
// Unknown keys are ignored; missing keys keep their Defaults() value, so a
// missing "route 0"/"route 1" maps to input 0/1 and other missing routes to
// mute.
func FromMap(m map[string]any) (Settings, error) {
	s := Defaults()

	if v, ok := m["device_id"].(string); ok {
		s.DeviceID = v
	}
	if v, ok := toInt(m["speaker_layout"]); ok {
		s.SpeakerLayout = layout.SpeakerLayout(v)
	}
	if v, ok := toInt(m["sample_rate"]); ok {
		s.SampleRate = uint32(v)
	}
	if v, ok := toInt(m["buffer_size"]); ok {
		s.BufferSize = uint32(v)
	}
	if v, ok := m["audio_format"].(string); ok {
		if f, known := formatNames[v]; known {
			s.Format = f
		}
	} else if v, ok := toInt(m["bit_depth"]); ok {
		switch v {
		case 16:
			s.Format = audiofmt.S16Planar
		case 32:
			s.Format = audiofmt.S32Planar
		default:
			s.Format = audiofmt.F32Planar
		}
	}

	for i := range s.Routes {
		key := fmt.Sprintf("route %d", i)
		if v, ok := toInt(m[key]); ok {
			s.Routes[i] = int32(v)
		}
	}

	return s, s.Validate()
}

// ToMap encodes Settings back into the host settings-map wire format.
func (s Settings) ToMap() map[string]any {
	m := map[string]any{
		"device_id":      s.DeviceID,
		"speaker_layout": int(s.SpeakerLayout),
		"sample_rate":    int(s.SampleRate),
		"buffer_size":    int(s.BufferSize),
		"audio_format":   formatName(s.Format),
	}
	for i, r := range s.Routes {
		m[fmt.Sprintf("route %d", i)] = int(r)
	}
	return m
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// DeviceSettings is one entry of the persisted per-device document.
type DeviceSettings struct {
	DeviceID     string `mapstructure:"device_id" yaml:"device_id"`
	BufferSize   uint32 `mapstructure:"buffer_size" yaml:"buffer_size"`
	SampleRate   uint32 `mapstructure:"sample_rate" yaml:"sample_rate"`
	AudioFormat  string `mapstructure:"audio_format" yaml:"audio_format"`
	DeviceActive bool   `mapstructure:"_device_active" yaml:"_device_active"`
}

// Document is the single persisted configuration document per process.
type Document struct {
	ASIODeviceSettings []DeviceSettings `mapstructure:"asio_device_settings" yaml:"asio_device_settings"`
}

// configDir resolves ~/.config/<app> the same way the teacher's
// internal/config does, falling back to $HOME/.config when
// os.UserConfigDir fails.
func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, AppName)
}

// LoadDocument reads the persisted device-settings document. When no
// devices.yaml is found it returns an empty Document without writing a file.
func LoadDocument() (*Document, error) {
	v := viper.New()
	v.SetConfigType(ConfigType)
	v.SetConfigName("devices")
	v.AddConfigPath(".")
	v.AddConfigPath(configDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("config: read devices document: %w", err)
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal devices document: %w", err)
	}
	return &doc, nil
}

// SaveDocument persists doc to ~/.config/<app>/devices.yaml.
func SaveDocument(doc *Document) error {
	dir := configDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType(ConfigType)
	v.Set("asio_device_settings", doc.ASIODeviceSettings)

	path := filepath.Join(dir, "devices.yaml")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write devices document: %w", err)
	}
	return nil
}
