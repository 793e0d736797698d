package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	data := []byte(`port: 9000
backend: badger
workers: 8
transaction_timeout: 2s
apps:
  "[DEFAULT]":
    api_key: key
    app_id: "1:2:web:3"
    project_id: demo
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PORT", "")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("METRICS_PORT", "")
	t.Setenv("BRIDGE_WORKERS", "")
	t.Setenv("FIRESTORE_BACKEND", "CLOUD")
	t.Setenv("TRANSACTION_TIMEOUT", "1500")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, https://b.test")

	var c BridgeConfig
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	c.SetDefaults()
	c.ApplyEnv()

	if c.Port != 9000 || c.MetricsAddr != "" {
		t.Fatalf("port from file: %d %q", c.Port, c.MetricsAddr)
	}
	if c.Backend != BackendCloud {
		t.Fatalf("env should override backend, got %q", c.Backend)
	}
	if c.Workers != 8 {
		t.Fatalf("workers from file, got %d", c.Workers)
	}
	if c.TransactionTimeout != 1500*time.Millisecond {
		t.Fatalf("transaction timeout %v", c.TransactionTimeout)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.test" {
		t.Fatalf("origins %v", c.AllowedOrigins)
	}
	app, ok := c.Apps["[DEFAULT]"]
	if !ok || app.APIKey != "key" || app.ProjectID != "demo" {
		t.Fatalf("apps %+v", c.Apps)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDefaultsAndValidate(t *testing.T) {
	var c BridgeConfig
	c.SetDefaults()
	if c.Backend != BackendMemory || c.Workers != 0 || c.Port != 8080 {
		t.Fatalf("unexpected defaults %+v", c)
	}
	c.Workers = 1
	if err := c.Validate(); err != nil {
		t.Fatalf("single worker: %v", err)
	}
	c.Workers = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected negative workers to be rejected")
	}
	c.Workers = 4
	c.Backend = "sqlite"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := parseDuration("250"); err != nil || d != 250*time.Millisecond {
		t.Fatalf("millis: %v %v", d, err)
	}
	if d, err := parseDuration("3s"); err != nil || d != 3*time.Second {
		t.Fatalf("duration: %v %v", d, err)
	}
	if _, err := parseDuration("soon"); err == nil {
		t.Fatalf("expected error")
	}
	if listenAddr("9090") != ":9090" || listenAddr("127.0.0.1:9090") != "127.0.0.1:9090" {
		t.Fatalf("listenAddr")
	}
}
