package natsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
)

const defaultDrainTimeout = 10 * time.Second

// Logger interface for optional connection event logging.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client wraps a nats.Conn with connection lifecycle handling.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	conn *nats.Conn
	cfg  config.NATSConfig

	logger   Logger
	loggerMu sync.RWMutex

	closeOnce sync.Once
}

// Connect establishes a connection to the NATS server.
//
// Parameters:
//   - ctx: Bounds the initial connection attempt
//   - cfg: NATS configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the cause
func Connect(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	c := &Client{cfg: cfg}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, c.options()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, r.err)
		}
		c.conn = r.conn
	case <-ctx.Done():
		// Close the connection if it arrives after we gave up.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}

	return c, nil
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if l := c.getLogger(); l != nil && err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			if l := c.getLogger(); l != nil {
				l.Info("nats reconnected", "url", conn.ConnectedUrl())
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if l := c.getLogger(); l != nil {
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				l.Error("nats async error", "subject", subject, "error", err)
			}
		}),
	}
	if c.cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(c.cfg.ConnectTimeout))
	}
	if c.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(c.cfg.ReconnectWait))
	}
	if c.cfg.DrainTimeout > 0 {
		opts = append(opts, nats.DrainTimeout(c.cfg.DrainTimeout))
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

// Publish sends data on subject and flushes so that a dead connection is
// reported within ctx rather than on a later call.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrPublishFailed, err)
	}
	return nil
}

// QueueSubscribe joins queue on subject. Each message is delivered to one
// member of the queue across all connected clients.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	sub, err := c.conn.QueueSubscribe(subject, queue, c.wrapHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrSubscribeFailed, subject, queue, err)
	}
	return sub, nil
}

// wrapHandler adds panic recovery so one bad message cannot kill the
// subscription's delivery goroutine.
func (c *Client) wrapHandler(handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.getLogger(); l != nil {
					l.Error("NATS handler panic recovered", "subject", msg.Subject, "panic", r)
				}
			}
		}()
		handler(msg)
	}
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// HealthCheck verifies the connection with a round trip to the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats health check failed: %w", err)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}

		timeout := c.cfg.DrainTimeout
		if timeout <= 0 {
			timeout = defaultDrainTimeout
		}
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		drained := make(chan error, 1)
		go func() { drained <- c.conn.Drain() }()

		select {
		case err = <-drained:
		case <-time.After(timeout):
			err = fmt.Errorf("nats drain timeout after %v", timeout)
		case <-ctx.Done():
			err = fmt.Errorf("nats drain: %w", ctx.Err())
		}
		c.conn.Close()
	})
	return err
}

// SetLogger sets a logger for connection events and handler panics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
