package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's delivery goroutines and should return quickly;
// gateway and bus handlers only enqueue. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Client is a broker session shared by the device transport, the uplink
// listener and the MQTT cluster bridge.
//
// Every subscription made through the client, shared ones included, is
// replayed after a reconnect, since sessions are clean. The node announces
// itself on a retained status topic with a last-will fallback.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	conn pahomqtt.Client
	cfg  config.MQTTConfig
	subs *subscriptionSet

	connected atomic.Bool

	hookMu       sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Connect opens a session to the configured broker and waits for it to be
// established, up to defaultConnectTimeout.
//
// The will message marks the node offline if the session drops without a
// Close. On every (re)connect the client restores subscriptions and then
// publishes its online status.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, subs: newSubscriptionSet()}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionDown(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if l := c.getLogger(); l != nil {
			l.Warn("MQTT reconnecting", "broker", cfg.Broker.Host, "client_id", cfg.Broker.ClientID)
		}
	})

	c.conn = pahomqtt.NewClient(opts)
	if err := await(context.Background(), c.conn.Connect(), defaultConnectTimeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs on its own goroutine and may not have fired.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) sessionUp() {
	c.connected.Store(true)
	c.restoreSubscriptions()

	status := statusPayload(c.cfg.Broker.ClientID, statusOnline, "")
	c.conn.Publish(Topics{}.NodeStatus(c.cfg.Broker.ClientID), byte(c.cfg.QoS), true, status)

	c.hookMu.RLock()
	hook := c.onConnect
	c.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) sessionDown(err error) {
	c.connected.Store(false)

	c.hookMu.RLock()
	hook := c.onDisconnect
	c.hookMu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// restoreSubscriptions replays every tracked filter. Failures are logged;
// the next reconnect tries again.
func (c *Client) restoreSubscriptions() {
	for _, sub := range c.subs.all() {
		tok := c.conn.Subscribe(sub.filter, sub.qos, c.wrapHandler(sub.handler))
		if err := await(context.Background(), tok, defaultSubscribeTimeout); err != nil {
			if l := c.getLogger(); l != nil {
				l.Warn("MQTT resubscribe failed", "filter", sub.filter, "error", err)
			}
		}
	}
}

// Close publishes a graceful offline status, lets in-flight publishes
// drain, then disconnects. Closing a client that never connected is a no-op.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if c.IsConnected() {
		status := statusPayload(c.cfg.Broker.ClientID, statusOffline, reasonShutdown)
		tok := c.conn.Publish(Topics{}.NodeStatus(c.cfg.Broker.ClientID), byte(c.cfg.QoS), true, status)
		_ = await(context.Background(), tok, defaultPublishTimeout) //nolint:errcheck // best effort on shutdown
	}

	c.conn.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known session state.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.connected.Load() && c.conn.IsConnected()
}

// SetOnConnect sets a callback run after every (re)connect, once
// subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.hookMu.Lock()
	c.onConnect = callback
	c.hookMu.Unlock()
}

// SetOnDisconnect sets a callback run when the session is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hookMu.Lock()
	c.onDisconnect = callback
	c.hookMu.Unlock()
}

// SetLogger sets a logger for handler failures and reconnect events.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so one bad
// frame cannot take down the delivery goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.getLogger(); l != nil {
					l.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if l := c.getLogger(); l != nil {
				l.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
