// Package config loads the bridge configuration from defaults, a YAML file,
// the environment and command line flags, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/firebridge/core/config"
	"github.com/gaspardpetit/firebridge/internal/core"
)

// Firestore backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendCloud  = "cloud"
)

// BridgeConfig holds configuration for the firebridge server.
type BridgeConfig struct {
	Port               int           `yaml:"port"`
	MetricsAddr        string        `yaml:"metrics_addr"` // empty shares the API port
	ClientKey          string        `yaml:"client_key"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	Backend            string        `yaml:"backend"`
	DataDir            string        `yaml:"data_dir"`
	BadgerMemMB        int           `yaml:"badger_mem_mb"`
	ProjectID          string        `yaml:"project_id"`
	CredentialsFile    string        `yaml:"credentials_file"`
	EmulatorHost       string        `yaml:"emulator_host"`
	RedisAddr          string        `yaml:"redis_addr"`
	Workers            int64         `yaml:"workers"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	AuthSigningKey     string        `yaml:"auth_signing_key"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes"`
	LogLevel           string        `yaml:"log_level"`
	ConfigFile         string        `yaml:"-"`
	// Apps are initialized at startup, keyed by app name.
	Apps map[string]core.Options `yaml:"apps"`
}

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.BadgerMemMB == 0 {
		c.BadgerMemMB = 64
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = 5 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 16 << 20
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("bridge.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_ADDR", commoncfg.GetEnv("METRICS_PORT", "")); v != "" {
		c.MetricsAddr = listenAddr(v)
	}
	if v := commoncfg.GetEnv("CLIENT_KEY", ""); v != "" {
		c.ClientKey = v
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := commoncfg.GetEnv("FIRESTORE_BACKEND", ""); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := commoncfg.GetEnv("DATA_DIR", ""); v != "" {
		c.DataDir = v
	}
	if v := commoncfg.GetEnv("BADGER_MEM_MB", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BadgerMemMB = n
		}
	}
	if v := commoncfg.GetEnv("GOOGLE_CLOUD_PROJECT", ""); v != "" {
		c.ProjectID = v
	}
	if v := commoncfg.GetEnv("GOOGLE_APPLICATION_CREDENTIALS", ""); v != "" {
		c.CredentialsFile = v
	}
	if v := commoncfg.GetEnv("FIRESTORE_EMULATOR_HOST", ""); v != "" {
		c.EmulatorHost = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("BRIDGE_WORKERS", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Workers = n
		}
	}
	if v := commoncfg.GetEnv("TRANSACTION_TIMEOUT", ""); v != "" {
		if d, err := parseDuration(v); err == nil {
			c.TransactionTimeout = d
		}
	}
	if v := commoncfg.GetEnv("AUTH_SIGNING_KEY", ""); v != "" {
		c.AuthSigningKey = v
	}
	if v := commoncfg.GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *BridgeConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the channel endpoint")
	flag.Func("metrics-addr", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = listenAddr(v)
		return nil
	})
	flag.StringVar(&c.ClientKey, "client-key", c.ClientKey, "bearer key clients must present; leave empty to disable auth")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.StringVar(&c.Backend, "backend", c.Backend, "firestore backend (memory, badger, cloud)")
	flag.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory of the badger document store")
	flag.IntVar(&c.BadgerMemMB, "badger-mem-mb", c.BadgerMemMB, "badger memory budget in MiB")
	flag.StringVar(&c.ProjectID, "project", c.ProjectID, "default Google Cloud project for the cloud backend")
	flag.StringVar(&c.CredentialsFile, "credentials", c.CredentialsFile, "service account credentials file for the cloud backend")
	flag.StringVar(&c.EmulatorHost, "emulator-host", c.EmulatorHost, "Firestore emulator host for the cloud backend")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for preferences; empty keeps them in memory")
	flag.Int64Var(&c.Workers, "workers", c.Workers, "concurrent handlers per channel and session (0 for unbounded)")
	flag.Func("transaction-timeout", "default transaction timeout (duration or milliseconds)", func(v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		c.TransactionTimeout = d
		return nil
	})
	flag.StringVar(&c.AuthSigningKey, "auth-signing-key", c.AuthSigningKey, "HMAC key for auth tokens; random when empty")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight calls on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate reports settings that cannot be served.
func (c *BridgeConfig) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendBadger, BackendCloud:
	default:
		return fmt.Errorf("unknown firestore backend %q", c.Backend)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	return nil
}

func listenAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// parseDuration accepts a Go duration or a bare number of milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
