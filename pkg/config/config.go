// Package config loads the ceremony configuration from a YAML file, an
// optional .env file beside it, and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvAppToken        = "TRUST_PROVISIONER_APP_TOKEN"
	EnvStoragePassword = "TRUST_PROVISIONER_STORAGE_PASSWORD"
	EnvAPIURL          = "TRUST_PROVISIONER_API_URL"

	defaultDir = "~/.trust-provisioner"
)

type Config struct {
	Main struct {
		StoragePath       string `yaml:"storage_path"`
		LogPath           string `yaml:"log_path"`
		ProvisionPackPath string `yaml:"provision_pack_path"`
		// legacy | structured
		TrustListFormat string `yaml:"trust_list_format"`
	} `yaml:"main"`

	Dongles struct {
		CLIPath         string `yaml:"cli_path"`
		EmulatorCLIPath string `yaml:"emulator_cli_path"`
		// dev | main
		EmulatorMode string `yaml:"emulator_mode"`
	} `yaml:"dongles"`

	Ledger struct {
		FirstIndex uint32 `yaml:"first_index"`
	} `yaml:"ledger"`

	Virgil struct {
		IoTAPIURL string `yaml:"iot_api_url"`
		AppToken  string `yaml:"app_token"`
	} `yaml:"virgil"`

	// StoragePassword comes only from the environment.
	StoragePassword string `yaml:"-"`
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string {
	return filepath.Join(defaultDir, "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	c.setDefaults()
	return &c
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies the .env file next to it and environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}

	var c Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	c.setDefaults()
	c.applyEnvOverrides()
	if err := c.expandPaths(); err != nil {
		return nil, err
	}
	return &c, c.Validate()
}

func (c *Config) setDefaults() {
	if c.Main.StoragePath == "" {
		c.Main.StoragePath = filepath.Join(defaultDir, "storage")
	}
	if c.Main.LogPath == "" {
		c.Main.LogPath = filepath.Join(defaultDir, "logs")
	}
	if c.Main.ProvisionPackPath == "" {
		c.Main.ProvisionPackPath = filepath.Join(defaultDir, "provision-pack")
	}
	if c.Main.TrustListFormat == "" {
		c.Main.TrustListFormat = "structured"
	}
	if c.Dongles.CLIPath == "" {
		c.Dongles.CLIPath = "/usr/local/bin/dongles-cli"
	}
	if c.Dongles.EmulatorCLIPath == "" {
		c.Dongles.EmulatorCLIPath = "/usr/local/bin/dongles-cli-emulator"
	}
	if c.Dongles.EmulatorMode == "" {
		c.Dongles.EmulatorMode = "dev"
	}
	if c.Virgil.IoTAPIURL == "" {
		c.Virgil.IoTAPIURL = "https://api.virgilsecurity.com"
	}
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr(EnvAppToken); ok {
		c.Virgil.AppToken = v
	}
	if v, ok := getEnvStr(EnvAPIURL); ok {
		c.Virgil.IoTAPIURL = v
	}
	if v, ok := getEnvStr(EnvStoragePassword); ok {
		c.StoragePassword = v
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Main.StoragePath,
		&c.Main.LogPath,
		&c.Main.ProvisionPackPath,
		&c.Dongles.CLIPath,
		&c.Dongles.EmulatorCLIPath,
	} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate checks values that have a closed set of choices.
func (c *Config) Validate() error {
	switch c.Main.TrustListFormat {
	case "legacy", "structured":
	default:
		return fmt.Errorf("main.trust_list_format must be legacy or structured, got %q", c.Main.TrustListFormat)
	}
	switch c.Dongles.EmulatorMode {
	case "dev", "main":
	default:
		return fmt.Errorf("dongles.emulator_mode must be dev or main, got %q", c.Dongles.EmulatorMode)
	}
	return nil
}

// PIDFile is the single-instance lock for the configured storage.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Main.StoragePath, "trust-provisioner.pid")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
