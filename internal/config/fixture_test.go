package config

import (
	"os"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestSampleConfigFixtureDecodes checks that the on-disk sample config
// fixture decodes into Config and validates, the way a config-file linter
// or an operator's "is my yaml well-formed" check would use it, independent
// of the viper-backed Load path used at runtime.
func TestSampleConfigFixtureDecodes(t *testing.T) {
	data, err := os.ReadFile("testdata/config.yaml")
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parsing fixture: %v", err)
	}

	if cfg.Device.Name != "porch-relay-1" {
		t.Errorf("expected device.name=porch-relay-1, got %q", cfg.Device.Name)
	}
	if cfg.Broker.URL != "tcp://broker.local:1883" {
		t.Errorf("expected broker.url=tcp://broker.local:1883, got %q", cfg.Broker.URL)
	}
	if cfg.Mesh.Transport != "serial" {
		t.Errorf("expected mesh.transport=serial, got %q", cfg.Mesh.Transport)
	}
	if cfg.Mesh.SerialBaud != 115200 {
		t.Errorf("expected mesh.serial_baud=115200, got %d", cfg.Mesh.SerialBaud)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected fixture to validate, got: %v", err)
	}
}
