package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	State   StateConfig       `yaml:"state"`
	Watcher WatcherConfig     `yaml:"watcher"`
	Windows WindowsConfig     `yaml:"windows"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	return c.Watcher.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the window-bridge HTTP server configuration. The
// bridge binds loopback only; window processes are local.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the bridge listen address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StateConfig holds the state directory and flush cadence. The flush
// interval bounds how many seconds of edits an abnormal termination
// can lose.
type StateConfig struct {
	Dir             string `yaml:"dir"`
	FlushIntervalMS int    `yaml:"flush_interval_ms"`
}

// FlushInterval returns the flush cadence, defaulting to one second.
func (c *StateConfig) FlushInterval() time.Duration {
	if c.FlushIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// Validate validates the state configuration.
func (c *StateConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.FlushIntervalMS, validation.Min(0)),
	)
}

// WatcherConfig holds file-watcher tuning.
type WatcherConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// Debounce returns the event-coalescing window.
func (c *WatcherConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// Validate validates the watcher configuration.
func (c *WatcherConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DebounceMS, validation.Min(0)),
	)
}

// WindowsConfig holds window-registry tuning. Warm keeps a hidden
// pre-initialized window ready so new/open latency stays hidden; it is
// turned off under automated testing, where its background preparation
// races deterministic assertions.
type WindowsConfig struct {
	Warm            bool `yaml:"warm"`
	CloseDebounceMS int  `yaml:"close_debounce_ms"`
}

// CloseDebounce returns the settle window after the last window closes.
func (c *WindowsConfig) CloseDebounce() time.Duration {
	return time.Duration(c.CloseDebounceMS) * time.Millisecond
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 7411,
			},
		},
		State: StateConfig{
			Dir:             "./state",
			FlushIntervalMS: 1000,
		},
		Watcher: WatcherConfig{
			DebounceMS: 100,
		},
		Windows: WindowsConfig{
			Warm:            true,
			CloseDebounceMS: 50,
		},
	}
}
