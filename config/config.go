// Package config loads engine settings from a YAML file and SHOWSOUND_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "showsound.yaml"

const envPrefix = "SHOWSOUND"

type HTTPConfig struct {
	Addr        string        `mapstructure:"addr"`
	FeedTimeout time.Duration `mapstructure:"feed_timeout"`
}

type MIDIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port"`
}

// Config holds every engine setting.
type Config struct {
	LibraryRoot   string        `mapstructure:"library_root"`
	BusCount      int           `mapstructure:"bus_count"`
	SampleRate    int           `mapstructure:"sample_rate"`
	Buffer        time.Duration `mapstructure:"buffer"`
	Backend       string        `mapstructure:"backend"`
	ReplayWindow  time.Duration `mapstructure:"replay_window"`
	DecodeWorkers int           `mapstructure:"decode_workers"`
	LogLevel      string        `mapstructure:"log_level"`
	Project       string        `mapstructure:"project"`
	HTTP          HTTPConfig    `mapstructure:"http"`
	MIDI          MIDIConfig    `mapstructure:"midi"`

	// Source is the file the config was read from, empty when only defaults
	// and environment applied.
	Source string `mapstructure:"-"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		LibraryRoot:   "./sounds",
		BusCount:      36,
		SampleRate:    48000,
		Buffer:        20 * time.Millisecond,
		Backend:       "oto",
		ReplayWindow:  300 * time.Millisecond,
		DecodeWorkers: 4,
		LogLevel:      "info",
		HTTP:          HTTPConfig{Addr: ":8080", FeedTimeout: 5 * time.Second},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("library_root", d.LibraryRoot)
	v.SetDefault("bus_count", d.BusCount)
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("buffer", d.Buffer)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("replay_window", d.ReplayWindow)
	v.SetDefault("decode_workers", d.DecodeWorkers)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("project", d.Project)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.feed_timeout", d.HTTP.FeedTimeout)
	v.SetDefault("midi.enabled", d.MIDI.Enabled)
	v.SetDefault("midi.port", d.MIDI.Port)
}

// Load reads path, or ./showsound.yaml when path is empty and the file
// exists, then applies SHOWSOUND_* overrides (SHOWSOUND_HTTP_ADDR for http.addr).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.Source = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BusCount <= 0 {
		errs = append(errs, fmt.Errorf("bus_count must be positive, got %d", c.BusCount))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.DecodeWorkers <= 0 {
		errs = append(errs, fmt.Errorf("decode_workers must be positive, got %d", c.DecodeWorkers))
	}
	if c.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("buffer must be positive, got %s", c.Buffer))
	}
	if c.ReplayWindow <= 0 {
		errs = append(errs, fmt.Errorf("replay_window must be positive, got %s", c.ReplayWindow))
	}
	switch c.Backend {
	case "oto", "null":
	default:
		errs = append(errs, fmt.Errorf("backend must be oto or null, got %q", c.Backend))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}

// Level returns the configured slog level, falling back to info.
func (c Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// file is the YAML layout written by WriteDefault. Durations are spelled
// out so the document reads the way users edit it.
type file struct {
	LibraryRoot   string   `yaml:"library_root"`
	BusCount      int      `yaml:"bus_count"`
	SampleRate    int      `yaml:"sample_rate"`
	Buffer        string   `yaml:"buffer"`
	Backend       string   `yaml:"backend"`
	ReplayWindow  string   `yaml:"replay_window"`
	DecodeWorkers int      `yaml:"decode_workers"`
	LogLevel      string   `yaml:"log_level"`
	HTTP          httpFile `yaml:"http"`
	MIDI          midiFile `yaml:"midi"`
	Project       string   `yaml:"project"`
}

type httpFile struct {
	Addr        string `yaml:"addr"`
	FeedTimeout string `yaml:"feed_timeout"`
}

type midiFile struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Marshal renders c as a YAML document Load can read back.
func Marshal(c Config) ([]byte, error) {
	return yaml.Marshal(file{
		LibraryRoot:   c.LibraryRoot,
		BusCount:      c.BusCount,
		SampleRate:    c.SampleRate,
		Buffer:        c.Buffer.String(),
		Backend:       c.Backend,
		ReplayWindow:  c.ReplayWindow.String(),
		DecodeWorkers: c.DecodeWorkers,
		LogLevel:      c.LogLevel,
		HTTP:          httpFile{Addr: c.HTTP.Addr, FeedTimeout: c.HTTP.FeedTimeout.String()},
		MIDI:          midiFile{Enabled: c.MIDI.Enabled, Port: c.MIDI.Port},
		Project:       c.Project,
	})
}

// WriteDefault writes the default settings to path. An existing file is not overwritten.
func WriteDefault(path string) error {
	data, err := Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return f.Close()
}
