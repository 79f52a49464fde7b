package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/devicebus-core/internal/affinity"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
	"github.com/nerrad567/devicebus-core/internal/message"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("DEVICEBUS_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_ClusterBusWithoutNATS verifies validation rejects a NATS bus
// when the NATS client is disabled.
func TestRun_ClusterBusWithoutNATS(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DEVICEBUS_CONFIG", writeConfig(t, `
node:
  id: gw-test
database:
  path: "`+filepath.Join(dir, "devicebus.db")+`"
bus:
  backend: nats
nats:
  enabled: false
`))

	err := run(context.Background())
	if err == nil {
		t.Fatal("run() should fail when bus.backend nats has no NATS connection")
	}
	if !strings.Contains(err.Error(), "nats.enabled") {
		t.Errorf("error = %v, want nats.enabled validation message", err)
	}
}

// TestRun_SingleNode starts a local-only node and shuts it down.
func TestRun_SingleNode(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "devicebus.db")
	t.Setenv("DEVICEBUS_CONFIG", writeConfig(t, `
node:
  id: gw-test
database:
  path: "`+dbPath+`"
api:
  host: "127.0.0.1"
  port: 18931
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("DEVICEBUS_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("DEVICEBUS_CONFIG", "/etc/devicebus/config.yaml")
	if got := getConfigPath(); got != "/etc/devicebus/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}
}

func TestOpenAffinity_FallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Affinity.Backend = config.AffinityRedis

	store := openAffinity(cfg, &infra{})
	defer store.Close()

	if _, ok := store.(*affinity.MemoryStore); !ok {
		t.Errorf("store = %T, want *affinity.MemoryStore without a Redis client", store)
	}
}

func TestOfflineTransport(t *testing.T) {
	err := offlineTransport{}.Send(context.Background(), "/iot/p/d/properties/set", nil)
	if !errors.Is(err, message.ErrDeviceOffline) {
		t.Errorf("Send() error = %v, want ErrDeviceOffline", err)
	}
}
