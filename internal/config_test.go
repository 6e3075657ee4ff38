package internal

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.App.HTTP.Address(); got != "127.0.0.1:7411" {
		t.Errorf("Address = %q", got)
	}
	if got := cfg.State.FlushInterval(); got != time.Second {
		t.Errorf("FlushInterval = %v", got)
	}
	if got := cfg.Watcher.Debounce(); got != 100*time.Millisecond {
		t.Errorf("Debounce = %v", got)
	}
	if got := cfg.Windows.CloseDebounce(); got != 50*time.Millisecond {
		t.Errorf("CloseDebounce = %v", got)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.App.HTTP.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}
	cfg.App.HTTP.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestValidateRequiresStateDir(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.State.Dir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty state dir")
	}
}

func TestFlushIntervalDefaultsWhenZero(t *testing.T) {
	c := StateConfig{Dir: "./state"}
	if got := c.FlushInterval(); got != time.Second {
		t.Errorf("FlushInterval = %v", got)
	}
}
