package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved runtime configuration for one server instance.
type Config struct {
	Name             string
	Port             int
	Peers            []string // host:port addresses to link to at startup
	PresenceWindow   time.Duration
	MaxMessageLength int
	MaxNameLength    int
	SendQueueSize    int
	EventLogSize     int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "Server1",
		Port:             8000,
		PresenceWindow:   300 * time.Millisecond,
		MaxMessageLength: 4096,
		MaxNameLength:    32,
		SendQueueSize:    64,
		EventLogSize:     20,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Mesh   MeshSection   `toml:"mesh"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	Name string `toml:"name"`
	Port int    `toml:"port"`
}

type MeshSection struct {
	Peers            []string `toml:"peers"`
	PresenceWindowMs int      `toml:"presence_window_ms"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	MaxNameLength    int `toml:"max_name_length"`
	SendQueueSize    int `toml:"send_queue_size"`
	EventLogSize     int `toml:"event_log_size"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Name: defaults.Name,
			Port: defaults.Port,
		},
		Mesh: MeshSection{
			Peers:            []string{},
			PresenceWindowMs: int(defaults.PresenceWindow / time.Millisecond),
		},
		Limits: LimitsSection{
			MaxMessageLength: defaults.MaxMessageLength,
			MaxNameLength:    defaults.MaxNameLength,
			SendQueueSize:    defaults.SendQueueSize,
			EventLogSize:     defaults.EventLogSize,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions, read-only fs); defaults still work.
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Meshchat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToConfig converts the file representation to a runtime Config, filling in
// defaults for anything unset.
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Name) != "" {
		cfg.Name = c.Server.Name
	}
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	if len(c.Mesh.Peers) > 0 {
		cfg.Peers = append([]string(nil), c.Mesh.Peers...)
	}
	if c.Mesh.PresenceWindowMs > 0 {
		cfg.PresenceWindow = time.Duration(c.Mesh.PresenceWindowMs) * time.Millisecond
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxNameLength > 0 {
		cfg.MaxNameLength = c.Limits.MaxNameLength
	}
	if c.Limits.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.EventLogSize > 0 {
		cfg.EventLogSize = c.Limits.EventLogSize
	}

	return cfg
}
