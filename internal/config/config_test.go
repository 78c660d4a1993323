package config

import "testing"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Device.Name = "N1"
	cfg.Mesh.Transport = "serial"
	cfg.Mesh.SerialPort = "/dev/ttyUSB0"
	cfg.Mesh.ID = "aabbccddeeff"
	return cfg
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingDeviceName(t *testing.T) {
	cfg := validConfig()
	cfg.Device.Name = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing device name")
	}
}

func TestValidateRejectsUnknownTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Mesh.Transport = "bluetooth"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an unsupported mesh transport")
	}
}

func TestValidateRejectsSerialTransportWithoutPort(t *testing.T) {
	cfg := validConfig()
	cfg.Mesh.SerialPort = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a serial transport with no port configured")
	}
}

func TestValidateRejectsSerialTransportWithMalformedMeshID(t *testing.T) {
	cfg := validConfig()
	cfg.Mesh.ID = "not-hex"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a malformed mesh id")
	}
}

func TestValidateAllowsSimulateTransportWithoutSerialFields(t *testing.T) {
	cfg := validConfig()
	cfg.Mesh.Transport = "simulate"
	cfg.Mesh.SerialPort = ""
	cfg.Mesh.ID = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingBrokerURL(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing broker url")
	}
}
