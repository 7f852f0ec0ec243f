package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the loom.yaml file shape.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Threads ThreadsConfig `yaml:"threads"`
	Auth    AuthConfig    `yaml:"auth"`
}

// BackendConfig selects and parameterizes the protocol variant.
type BackendConfig struct {
	// Kind is the variant name: graphrun, agentwire, or chatcomp.
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	// Assistant names the remote assistant or model, depending on variant.
	Assistant string `yaml:"assistant"`
}

// ThreadsConfig points at the thread persistence API. An empty base_url
// means threads exist client-side only.
type ThreadsConfig struct {
	BaseURL string `yaml:"base_url"`
	// VerifyDelay is how long to wait before re-reading a freshly created
	// thread, as a duration string (e.g. "500ms").
	VerifyDelay string `yaml:"verify_delay"`
}

// AuthConfig carries the bearer token. Reference an environment variable as
// ${VAR} to keep secrets out of the file.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// loadConfig reads a YAML file and returns a Config. Environment variables
// referenced as ${VAR} or $VAR in the YAML are expanded before parsing, so
// tokens can live in the environment (e.g. loaded from a .env file) rather
// than committed in the config.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("loom: load config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("loom: parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Backend.Kind == "" {
		return fmt.Errorf("loom: config: backend kind is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("loom: config: backend base_url is required")
	}
	if _, err := c.verifyDelay(); err != nil {
		return err
	}
	return nil
}

func (c Config) verifyDelay() (time.Duration, error) {
	if c.Threads.VerifyDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Threads.VerifyDelay)
	if err != nil {
		return 0, fmt.Errorf("loom: config: threads verify_delay: %w", err)
	}
	return d, nil
}
