package redisclient_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/redisclient"
)

func testConfig() config.RedisConfig {
	addr := os.Getenv("DEVICEBUS_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return config.RedisConfig{
		Enabled:     true,
		Addr:        addr,
		DialTimeout: time.Second,
	}
}

// skipIfNoRedis skips the test if no Redis server is reachable.
func skipIfNoRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := redisclient.Connect(ctx, testConfig())
	if err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := redisclient.Connect(context.Background(), cfg)
	if !errors.Is(err, redisclient.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := redisclient.Connect(ctx, cfg)
	if !errors.Is(err, redisclient.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseNil(t *testing.T) {
	var client *redisclient.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, redisclient.ErrNotConnected) {
		t.Errorf("HealthCheck() on nil client error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client := skipIfNoRedis(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if client.Redis() == nil {
		t.Error("Redis() = nil")
	}
}
