package natsclient_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/natsclient"
)

func testConfig() config.NATSConfig {
	url := os.Getenv("DEVICEBUS_TEST_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	return config.NATSConfig{
		Enabled:        true,
		URL:            url,
		Name:           "devicebus-test",
		ConnectTimeout: time.Second,
		MaxReconnects:  0,
	}
}

// skipIfNoNATS skips the test if no NATS server is reachable.
func skipIfNoNATS(t *testing.T) *natsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := natsclient.Connect(ctx, testConfig())
	if err != nil {
		t.Skip("NATS not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close(context.Background()) })
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := natsclient.Connect(context.Background(), cfg)
	if !errors.Is(err, natsclient.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "nats://127.0.0.1:59998"

	_, err := natsclient.Connect(context.Background(), cfg)
	if !errors.Is(err, natsclient.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestQueueSubscribe_OneMemberPerMessage(t *testing.T) {
	client := skipIfNoNATS(t)

	received := make(chan string, 4)
	for _, member := range []string{"a", "b"} {
		member := member
		_, err := client.QueueSubscribe("devicebus.test.queue", "workers", func(*nats.Msg) {
			received <- member
		})
		if err != nil {
			t.Fatalf("QueueSubscribe() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Publish(ctx, "devicebus.test.queue", []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no member received the message")
	}
	select {
	case m := <-received:
		t.Errorf("second delivery to member %s, want exactly one", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHealthCheck(t *testing.T) {
	client := skipIfNoNATS(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestPublish_AfterClose(t *testing.T) {
	client := skipIfNoNATS(t)
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := client.Publish(context.Background(), "devicebus.test", []byte("x"))
	if !errors.Is(err, natsclient.ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
}
