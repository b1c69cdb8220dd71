package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
server:
  listen: "127.0.0.1:9850"
  max-connections: 64
  audit-db-path: /tmp/apxd-test-audit.bdb
log:
  level: debug
`

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeTemp(t, "apxd.yaml", sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:9850" {
		t.Fatalf("got listen %q, want 127.0.0.1:9850", cfg.Server.Listen)
	}
	if cfg.Server.MaxConnections != 64 {
		t.Fatalf("got max-connections %d, want 64", cfg.Server.MaxConnections)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("got log level %q, want debug", cfg.Log.Level)
	}
	// ShutdownTimer was not set in the file; the default must survive.
	if cfg.Server.ShutdownTimer != 5 {
		t.Fatalf("got shutdown-timer %d, want default 5", cfg.Server.ShutdownTimer)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "apxd.json", `{"server":{"listen":":1234"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":1234" {
		t.Fatalf("got listen %q, want :1234", cfg.Server.Listen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error loading missing config file")
	}
}
