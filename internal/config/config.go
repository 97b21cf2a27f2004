// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and persists the portal configuration: a config.toml
// managed by viper, overridable per key through DRAFTBILL__ environment
// variables. Secrets (webhook and cron) are accepted from either source but
// never written back to disk by the generator with real values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "DRAFTBILL__"

// Config holds the keys of config.toml.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	DataDir string `mapstructure:"dataDir"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	// WebhookSecret is the shared secret the billing processor signs
	// webhook payloads with.
	WebhookSecret string `mapstructure:"webhookSecret"`

	// CronSecret gates the sweep endpoints in production.
	CronSecret string `mapstructure:"cronSecret"`

	// BillingAPIURL and BillingAPIKey configure the processor client used to
	// resolve customer references on subscription events.
	BillingAPIURL string `mapstructure:"billingApiUrl"`
	BillingAPIKey string `mapstructure:"billingApiKey"`

	// Environment is "production" or "development". Production refuses to
	// start without the secrets and enforces them on the cron endpoints.
	Environment string `mapstructure:"environment"`

	// IdentityHeader names the trusted header the auth proxy sets with the
	// authenticated user id.
	IdentityHeader string `mapstructure:"identityHeader"`
}

// AppConfig wraps Config with the viper instance that loaded it.
type AppConfig struct {
	Config *Config
	viper  *viper.Viper

	configMu sync.Mutex
}

// New loads configuration from configPath (a directory holding config.toml,
// or a direct file path). A missing file is generated with defaults first.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		Config: &Config{},
		viper:  viper.New(),
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "0.0.0.0")
	c.viper.SetDefault("port", 7880)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("webhookSecret", "")
	c.viper.SetDefault("cronSecret", "")
	c.viper.SetDefault("billingApiUrl", "https://api.stripe.com")
	c.viper.SetDefault("billingApiKey", "")
	c.viper.SetDefault("environment", "development")
	c.viper.SetDefault("identityHeader", "X-Authenticated-User")
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	switch {
	case configPath == "":
		dir, err := DefaultConfigDir()
		if err != nil {
			return err
		}
		configPath = dir
		fallthrough
	case isDir(configPath):
		c.viper.SetConfigFile(filepath.Join(configPath, "config.toml"))
	default:
		c.viper.SetConfigFile(configPath)
	}

	file := c.viper.ConfigFileUsed()
	if _, err := os.Stat(file); os.IsNotExist(err) {
		if err := WriteDefaultConfig(file); err != nil {
			return err
		}
	}

	if err := c.viper.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", file)
	}

	c.bindEnv()

	return nil
}

// bindEnv maps DRAFTBILL__ environment variables onto config keys, e.g.
// DRAFTBILL__WEBHOOK_SECRET -> webhookSecret.
func (c *AppConfig) bindEnv() {
	bindings := map[string]string{
		"host":           "HOST",
		"port":           "PORT",
		"baseUrl":        "BASE_URL",
		"dataDir":        "DATA_DIR",
		"logLevel":       "LOG_LEVEL",
		"logPath":        "LOG_PATH",
		"logMaxSize":     "LOG_MAX_SIZE",
		"logMaxBackups":  "LOG_MAX_BACKUPS",
		"webhookSecret":  "WEBHOOK_SECRET",
		"cronSecret":     "CRON_SECRET",
		"billingApiUrl":  "BILLING_API_URL",
		"billingApiKey":  "BILLING_API_KEY",
		"environment":    "ENVIRONMENT",
		"identityHeader": "IDENTITY_HEADER",
	}
	for key, suffix := range bindings {
		if value, ok := os.LookupEnv(envPrefix + suffix); ok {
			c.viper.Set(key, value)
		}
	}
}

func (c *AppConfig) validate() error {
	if c.Config.Port <= 0 || c.Config.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Config.Port)
	}

	if c.IsProduction() {
		if c.Config.WebhookSecret == "" {
			return errors.New("webhookSecret is required in production")
		}
		if c.Config.CronSecret == "" {
			return errors.New("cronSecret is required in production")
		}
	}

	return nil
}

// IsProduction reports whether the portal runs with production hardening.
func (c *AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Config.Environment, "production")
}

// DatabasePath resolves the sqlite file location under the data directory.
func (c *AppConfig) DatabasePath() string {
	dir := c.Config.DataDir
	if dir == "" {
		dir = filepath.Dir(c.viper.ConfigFileUsed())
	}
	return filepath.Join(dir, "portal.db")
}

// ResolveLogPath resolves a relative log path against the config directory.
func (c *AppConfig) ResolveLogPath(logPath string) string {
	if logPath == "" || filepath.IsAbs(logPath) {
		return logPath
	}
	return filepath.Join(filepath.Dir(c.viper.ConfigFileUsed()), logPath)
}

// ConfigFileUsed exposes the resolved config file path.
func (c *AppConfig) ConfigFileUsed() string {
	return c.viper.ConfigFileUsed()
}

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve user config directory")
	}
	return filepath.Join(base, "draftbill"), nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// A nonexistent path without an extension is treated as a directory
		// to be created.
		return filepath.Ext(path) == ""
	}
	return info.IsDir()
}

var configTemplate = `# config.toml - Auto-generated

# Hostname / IP
#
host = %q

# Port
#
port = %d

# Base URL
# Set custom baseUrl eg /draftbill/ to serve in subdirectory.
#
baseUrl = "/"

# Data directory
# Defaults to the config directory when empty.
#
#dataDir = ""

# Environment
# "development" or "production". Production requires the secrets below and
# enforces authentication on the cron endpoints.
#
environment = "development"

# Billing webhook secret
# Shared secret used to verify webhook signatures. Required in production.
#
#webhookSecret = ""

# Cron secret
# Bearer token required by /api/cron/* in production.
#
#cronSecret = ""

# Billing API
# Used to resolve customer references on subscription events.
#
billingApiUrl = "https://api.stripe.com"
#billingApiKey = ""

# Identity header
# Header the fronting auth proxy sets with the authenticated user id.
#
identityHeader = "X-Authenticated-User"

# Log level
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
#
logLevel = "INFO"

# Log Path
# Set path to log file. Empty logs to stdout only.
#
#logPath = "log/portal.log"

# Log max size (MB) before rotation.
#
logMaxSize = 50

# Rotated log files to keep.
#
logMaxBackups = 3
`

// WriteDefaultConfig creates the file (and its directory) with the commented
// template. Existing files are left untouched.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create config directory %s", filepath.Dir(path))
	}

	content := fmt.Sprintf(configTemplate, "0.0.0.0", 7880)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config file %s", path)
	}

	return nil
}
