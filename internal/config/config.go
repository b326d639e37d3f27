// Package config loads slipway configuration from an optional YAML file and
// environment variables. Precedence: defaults, then file, then environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all slipwayd configuration.
type Config struct {
	// Listeners
	ControlAddr string `yaml:"control_addr"` // admin API + metrics
	UserAddr    string `yaml:"user_addr"`    // user-facing HTTP(S) proxy
	BouncerAddr string `yaml:"bouncer_addr"` // HTTP -> HTTPS redirect listener

	// TLS / ACME
	UseTLS        bool   `yaml:"use_tls"`
	AcmeEmail     string `yaml:"acme_email"`
	AcmeDirectory string `yaml:"acme_directory"`

	// Container runtime
	DockerHost      string `yaml:"docker_host"`
	Image           string `yaml:"image"`            // runtime image for project containers
	Prefix          string `yaml:"prefix"`           // prepended to container names
	NetworkName     string `yaml:"network_name"`     // network new projects attach to
	ProvisionerHost string `yaml:"provisioner_host"` // DB-provisioner host injected into containers

	// Routing
	ProxyFQDN string `yaml:"proxy_fqdn"` // apex domain for <project>.<apex>

	// Storage
	DBPath      string `yaml:"db_path"`
	JournalPath string `yaml:"journal_path"`

	// Worker
	WorkerShards int `yaml:"worker_shards"`

	// Bootstrap admin. When both are set the account is created (or its
	// key rotated) at startup with the super-user flag, so a fresh
	// install has a caller able to create further accounts.
	AdminName string `yaml:"admin_name"`
	AdminKey  string `yaml:"admin_key"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration. If SLIPWAY_CONFIG names a YAML file it is
// read first; environment variables override file values.
func Load() (*Config, error) {
	cfg := &Config{
		ControlAddr:   "0.0.0.0:8001",
		UserAddr:      "0.0.0.0:8000",
		BouncerAddr:   "0.0.0.0:7999",
		AcmeDirectory: "https://acme-v02.api.letsencrypt.org/directory",
		DockerHost:    "/var/run/docker.sock",
		Image:         "ghcr.io/slipway-dev/runtime:latest",
		Prefix:        "slipway_",
		NetworkName:   "slipway_default",
		DBPath:        "/data/slipway.sqlite",
		JournalPath:   "/data/slipway-journal.db",
		WorkerShards:  4,
		LogJSON:       true,
		LogLevel:      "info",
	}

	if path := os.Getenv("SLIPWAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ControlAddr = envStr("SLIPWAY_CONTROL_ADDR", cfg.ControlAddr)
	cfg.UserAddr = envStr("SLIPWAY_USER_ADDR", cfg.UserAddr)
	cfg.BouncerAddr = envStr("SLIPWAY_BOUNCER_ADDR", cfg.BouncerAddr)
	cfg.UseTLS = envBool("SLIPWAY_USE_TLS", cfg.UseTLS)
	cfg.AcmeEmail = envStr("SLIPWAY_ACME_EMAIL", cfg.AcmeEmail)
	cfg.AcmeDirectory = envStr("SLIPWAY_ACME_DIRECTORY", cfg.AcmeDirectory)
	cfg.DockerHost = envStr("SLIPWAY_DOCKER_HOST", cfg.DockerHost)
	cfg.Image = envStr("SLIPWAY_IMAGE", cfg.Image)
	cfg.Prefix = envStr("SLIPWAY_PREFIX", cfg.Prefix)
	cfg.NetworkName = envStr("SLIPWAY_NETWORK_NAME", cfg.NetworkName)
	cfg.ProvisionerHost = envStr("SLIPWAY_PROVISIONER_HOST", cfg.ProvisionerHost)
	cfg.ProxyFQDN = envStr("SLIPWAY_PROXY_FQDN", cfg.ProxyFQDN)
	cfg.DBPath = envStr("SLIPWAY_DB_PATH", cfg.DBPath)
	cfg.JournalPath = envStr("SLIPWAY_JOURNAL_PATH", cfg.JournalPath)
	cfg.WorkerShards = envInt("SLIPWAY_WORKER_SHARDS", cfg.WorkerShards)
	cfg.AdminName = envStr("SLIPWAY_ADMIN_NAME", cfg.AdminName)
	cfg.AdminKey = envStr("SLIPWAY_ADMIN_KEY", cfg.AdminKey)
	cfg.LogJSON = envBool("SLIPWAY_LOG_JSON", cfg.LogJSON)
	cfg.LogLevel = envStr("SLIPWAY_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ControlAddr == "" {
		errs = append(errs, errors.New("SLIPWAY_CONTROL_ADDR must not be empty"))
	}
	if c.UserAddr == "" {
		errs = append(errs, errors.New("SLIPWAY_USER_ADDR must not be empty"))
	}
	if c.Image == "" {
		errs = append(errs, errors.New("SLIPWAY_IMAGE must not be empty"))
	}
	if c.NetworkName == "" {
		errs = append(errs, errors.New("SLIPWAY_NETWORK_NAME must not be empty"))
	}
	if c.ProxyFQDN == "" {
		errs = append(errs, errors.New("SLIPWAY_PROXY_FQDN must not be empty"))
	}
	if c.ProvisionerHost == "" {
		errs = append(errs, errors.New("SLIPWAY_PROVISIONER_HOST must not be empty"))
	}
	if c.WorkerShards <= 0 {
		errs = append(errs, fmt.Errorf("SLIPWAY_WORKER_SHARDS must be > 0, got %d", c.WorkerShards))
	}
	if (c.AdminName == "") != (c.AdminKey == "") {
		errs = append(errs, errors.New("SLIPWAY_ADMIN_NAME and SLIPWAY_ADMIN_KEY must be set together"))
	}
	if c.UseTLS && c.AcmeEmail == "" {
		errs = append(errs, errors.New("SLIPWAY_ACME_EMAIL is required when SLIPWAY_USE_TLS is enabled"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, fmt.Errorf("SLIPWAY_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
