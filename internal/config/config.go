// Package config reads and writes the bootstrap configuration file.
//
// The file holds host-level paths and the forge endpoint; runtime tunables
// (concurrency, poll interval, ...) live in the metadata store's settings
// table instead.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for git-archiver.
type Config struct {
	BaseDir      string      `toml:"base_dir"`
	DataDir      string      `toml:"data_dir"`
	LogDir       string      `toml:"log_dir"`
	DatabasePath string      `toml:"database_path"`
	Forge        ForgeConfig `toml:"forge"`
}

// ForgeConfig names the metadata API endpoint and the secret-store entry
// for its token.
type ForgeConfig struct {
	BaseURL      string `toml:"base_url"`
	TokenService string `toml:"token_service"`
	// AllowPrivateHosts relaxes the endpoint policy for test servers.
	AllowPrivateHosts bool `toml:"allow_private_hosts,omitempty"`
}

// NewConfig creates a Config rooted at baseDir with default sub-paths.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:      baseDir,
		DataDir:      filepath.Join(baseDir, "data"),
		LogDir:       filepath.Join(baseDir, "log"),
		DatabasePath: filepath.Join(baseDir, "git-archiver.db"),
		Forge: ForgeConfig{
			BaseURL:      "https://api.github.com",
			TokenService: "git-archiver",
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return err
	}
	return nil
}
