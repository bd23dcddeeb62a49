// Package config loads and holds workbench-wide configuration.
// Settings are layered: defaults → yatangaki-config.json → environment
// variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the full workbench configuration.
type Config struct {
	// BaseDir is the root of the on-disk layout: ca.pem, ca_key.pem,
	// config.db, and one subdirectory per project.
	BaseDir string `json:"baseDir"`

	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`
	BindAddress    string `json:"bindAddress"`
	LogLevel       string `json:"logLevel"`

	ManagementToken string `json:"managementToken"`

	// DefaultProject is selected in the log store at startup so a freshly
	// started proxy has somewhere to log to even before the UI picks one.
	DefaultProject string `json:"defaultProject"`
}

// Load returns config with defaults overridden by yatangaki-config.json
// and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "yatangaki-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		BaseDir:        filepath.Join(home, ".yatangaki"),
		ProxyPort:      8080,
		ManagementPort: 8081,
		BindAddress:    "127.0.0.1",
		LogLevel:       "info",
		DefaultProject: "default",
	}
}

// CACertFile returns the path to the CA certificate PEM under BaseDir.
func (c *Config) CACertFile() string { return filepath.Join(c.BaseDir, "ca.pem") }

// CAKeyFile returns the path to the CA private key PEM under BaseDir.
func (c *Config) CAKeyFile() string { return filepath.Join(c.BaseDir, "ca_key.pem") }

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("YATANGAKI_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("DEFAULT_PROJECT"); v != "" {
		cfg.DefaultProject = v
	}
}
