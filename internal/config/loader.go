package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/fernwood-iot/meshnode/internal/mesh"
)

// Load reads the configuration from viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.Device.Name = viper.GetString("device.name")

	cfg.Broker.URL = viper.GetString("broker.url")
	if cfg.Broker.URL == "" {
		cfg.Broker.URL = "tcp://localhost:1883"
	}
	cfg.Broker.ClientID = viper.GetString("broker.client_id")
	cfg.Broker.Username = viper.GetString("broker.username")
	cfg.Broker.Password = viper.GetString("broker.password")
	cfg.Broker.Prefix = viper.GetString("broker.prefix")
	if cfg.Broker.Prefix == "" {
		cfg.Broker.Prefix = "Devices"
	}

	cfg.Mesh.ID = viper.GetString("mesh.id")
	cfg.Mesh.Transport = viper.GetString("mesh.transport")
	if cfg.Mesh.Transport == "" {
		cfg.Mesh.Transport = "serial"
	}
	cfg.Mesh.SerialPort = viper.GetString("mesh.serial_port")
	cfg.Mesh.SerialBaud = viper.GetInt("mesh.serial_baud")
	if cfg.Mesh.SerialBaud == 0 {
		cfg.Mesh.SerialBaud = 115200
	}

	cfg.Store.Path = viper.GetString("store.path")
	if cfg.Store.Path == "" {
		cfg.Store.Path = "/var/lib/meshnode/nodecfg.json"
	}

	cfg.Logging.Level = viper.GetString("logging.level")
	cfg.Logging.Format = viper.GetString("logging.format")
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name is required")
	}

	switch c.Mesh.Transport {
	case "serial", "simulate":
		// Valid
	case "":
		return fmt.Errorf("mesh.transport is required")
	default:
		return fmt.Errorf("invalid mesh.transport: %s (must be serial or simulate)", c.Mesh.Transport)
	}

	if c.Mesh.Transport == "serial" {
		if c.Mesh.SerialPort == "" {
			return fmt.Errorf("mesh.serial_port is required for the serial transport")
		}
		if c.Mesh.ID == "" {
			return fmt.Errorf("mesh.id is required for the serial transport")
		}
		if _, err := mesh.ParseMeshID(c.Mesh.ID); err != nil {
			return fmt.Errorf("mesh.id is invalid: %w", err)
		}
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	return nil
}
