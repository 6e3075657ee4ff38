package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type validatedConfig struct {
	Port int `yaml:"port"`
}

func (c *validatedConfig) Validate() error {
	if c.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "name: vellum\nport: 7411\n")
	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "vellum" || cfg.Port != 7411 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_APP_NAME", "expanded")
	path := writeConfig(t, "name: ${TEST_APP_NAME}\n")
	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "expanded" {
		t.Errorf("name = %q", cfg.Name)
	}
}

func TestLoadValidates(t *testing.T) {
	path := writeConfig(t, "port: 0\n")
	var cfg validatedConfig
	if err := Load(path, &cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testConfig
	if err := Load(filepath.Join(t.TempDir(), "absent.yml"), &cfg); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadIfPresentKeepsDefaults(t *testing.T) {
	cfg := validatedConfig{Port: 7411}
	if err := LoadIfPresent(filepath.Join(t.TempDir(), "absent.yml"), &cfg); err != nil {
		t.Fatalf("LoadIfPresent: %v", err)
	}
	if cfg.Port != 7411 {
		t.Errorf("port = %d", cfg.Port)
	}
}

func TestLoadIfPresentValidatesDefaults(t *testing.T) {
	cfg := validatedConfig{}
	if err := LoadIfPresent(filepath.Join(t.TempDir(), "absent.yml"), &cfg); err == nil {
		t.Error("expected validation error for zero defaults")
	}
}
