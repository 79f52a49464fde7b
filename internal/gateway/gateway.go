package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/devicebus-core/internal/affinity"
	"github.com/nerrad567/devicebus-core/internal/bus"
	"github.com/nerrad567/devicebus-core/internal/codec"
	"github.com/nerrad567/devicebus-core/internal/device"
	"github.com/nerrad567/devicebus-core/internal/message"
	"github.com/nerrad567/devicebus-core/internal/producer"
)

const cleanupTimeout = 2 * time.Second

// Logger defines the logging interface used by the gateway.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Upstream publishes decoded device messages for business consumers.
// *producer.Producer implements it.
type Upstream interface {
	SendDeviceMessage(ctx context.Context, msg message.DeviceMessage) error
}

// Transport writes encoded bytes to a device.
type Transport interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// Deps are the collaborators a Gateway needs.
type Deps struct {
	Codecs    *codec.Registry
	Store     affinity.Store
	Upstream  Upstream
	Transport Transport

	// Directory, when set, rejects uplinks from unregistered devices and
	// stamps the tenant on accepted ones.
	Directory device.Directory
}

// Options configures a Gateway.
type Options struct {
	// Node is this gateway's server id, recorded in affinity entries.
	Node string

	// SessionTTL is how long a device counts as connected here after its
	// last uplink or heartbeat. It should match the affinity TTL.
	SessionTTL time.Duration

	// SweepInterval runs a janitor that drops expired sessions. Zero
	// disables it; expired sessions are then only dropped when checked.
	SweepInterval time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time

	Logger  Logger
	Metrics *Metrics
}

// Gateway is the glue between a device-facing protocol adapter and the bus.
//
// Upstream it decodes raw frames, refreshes the device's affinity to this
// node and publishes the canonical message. Downstream it receives messages
// on its own gateway topic, encodes them and writes them to the device.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Gateway struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]time.Time // device key -> last seen

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a gateway.
func New(deps Deps, opts Options) *Gateway {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = affinity.DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	g := &Gateway{
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go g.janitor(opts.SweepInterval)
	} else {
		close(g.done)
	}
	return g
}

// Close stops the session janitor. Affinity entries are left to expire.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() { close(g.stop) })
	<-g.done
	return nil
}

// Sessions returns the number of tracked sessions, expired ones included
// until they are swept or checked.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Sweep drops every expired session and returns how many were removed.
func (g *Gateway) Sweep() int {
	now := g.opts.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for key, seen := range g.sessions {
		if now.Sub(seen) > g.opts.SessionTTL {
			delete(g.sessions, key)
			n++
		}
	}
	return n
}

func (g *Gateway) janitor(interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.opts.Logger.Debug("expired sessions swept", "count", n)
			}
		case <-g.stop:
			return
		}
	}
}

// SetUpstream sets the upstream publisher. The producer that uses this
// gateway as its local dispatcher is created after it, so Deps.Upstream is
// filled in here. Call it before the gateway handles traffic.
func (g *Gateway) SetUpstream(u Upstream) {
	g.deps.Upstream = u
}

// Node returns this gateway's server id.
func (g *Gateway) Node() string { return g.opts.Node }

// HandleUpstream runs one raw device frame through the upstream pipeline:
// RECEIVED, DECODED, device lookup, affinity refresh, ROUTED_UPSTREAM.
//
// Returns the published message, or an error carrying the failure stage
// (see message.FailureStage). Decode failures wrap
// message.ErrCodecNotFound or message.ErrInvalidMessage.
func (g *Gateway) HandleUpstream(ctx context.Context, topic string, payload []byte) (message.DeviceMessage, error) {
	g.opts.Logger.Debug("frame received", "stage", message.StageReceived, "topic", topic, "bytes", len(payload))

	msg, err := g.deps.Codecs.Decode(topic, payload)
	if err == nil && msg.Direction != message.Upstream {
		err = fmt.Errorf("%w: %s is a downstream topic", message.ErrInvalidMessage, topic)
	}
	if err != nil {
		return message.DeviceMessage{}, g.upstreamFailed(topic, msg, err)
	}
	g.opts.Logger.Debug("frame decoded", "stage", message.StageDecoded, "topic", topic, "codec", msg.Type)

	if g.deps.Directory != nil {
		identity, err := g.deps.Directory.ByIdentification(ctx, msg.ProductIdentification, msg.DeviceIdentification)
		if err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				err = fmt.Errorf("%w: unregistered device %s", message.ErrInvalidMessage, msg.DeviceKey())
			}
			return message.DeviceMessage{}, g.upstreamFailed(topic, msg, err)
		}
		msg.TenantID = identity.TenantID
	}

	// An affinity write failure only degrades downstream routing, so the
	// uplink is still published.
	if err := g.touch(ctx, msg.DeviceKey()); err != nil {
		g.opts.Logger.Warn("affinity refresh failed", "device", msg.DeviceKey(), "error", err)
	}

	if err := g.deps.Upstream.SendDeviceMessage(ctx, msg); err != nil {
		return message.DeviceMessage{}, g.upstreamFailed(topic, msg, err)
	}
	g.opts.Metrics.upstream.WithLabelValues(resultOK).Inc()
	return msg, nil
}

func (g *Gateway) upstreamFailed(topic string, msg message.DeviceMessage, err error) error {
	stage := message.FailureStage(err)
	g.opts.Metrics.upstream.WithLabelValues(string(stage)).Inc()
	g.opts.Logger.Warn("uplink rejected",
		"stage", stage,
		"topic", topic,
		"device", msg.DeviceKey(),
		"error", err,
	)
	return err
}

// Connect records that the device's session is held by this node.
func (g *Gateway) Connect(ctx context.Context, productIdentification, deviceIdentification string) error {
	key := message.DeviceKey(productIdentification, deviceIdentification)
	if err := g.touch(ctx, key); err != nil {
		return fmt.Errorf("connecting %s: %w", key, err)
	}
	g.opts.Logger.Info("device connected", "device", key, "node", g.opts.Node)
	return nil
}

// Heartbeat refreshes the device's session and affinity TTL.
func (g *Gateway) Heartbeat(ctx context.Context, productIdentification, deviceIdentification string) error {
	key := message.DeviceKey(productIdentification, deviceIdentification)
	if err := g.touch(ctx, key); err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	return nil
}

// Disconnect ends the device's session here. The affinity entry is only
// removed while it still names this node, so a late disconnect never
// erases the entry of the gateway the device has moved to.
func (g *Gateway) Disconnect(ctx context.Context, productIdentification, deviceIdentification string) error {
	key := message.DeviceKey(productIdentification, deviceIdentification)
	g.dropSession(key)

	removed, err := g.deps.Store.RemoveIfOwner(ctx, key, g.opts.Node)
	if err != nil {
		return fmt.Errorf("disconnecting %s: %w", key, err)
	}
	g.opts.Logger.Info("device disconnected", "device", key, "affinity_removed", removed)
	return nil
}

// Connected reports whether the device has a live session on this node.
func (g *Gateway) Connected(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen, ok := g.sessions[key]
	if !ok {
		return false
	}
	if g.opts.Now().Sub(seen) > g.opts.SessionTTL {
		delete(g.sessions, key)
		return false
	}
	return true
}

func (g *Gateway) touch(ctx context.Context, key string) error {
	g.mu.Lock()
	g.sessions[key] = g.opts.Now()
	g.mu.Unlock()
	return g.deps.Store.Save(ctx, key, g.opts.Node)
}

func (g *Gateway) dropSession(key string) {
	g.mu.Lock()
	delete(g.sessions, key)
	g.mu.Unlock()
}

// Deliver encodes a downstream message and writes it to the device.
//
// It is both the handler of this node's gateway topic and the in-process
// shortcut used by the producer. A device without a session here, an
// encode failure or a transport failure ends the device's affinity to this
// node (when still owned) so the next lookup does not repeat the failure.
func (g *Gateway) Deliver(ctx context.Context, msg message.DeviceMessage) error {
	key := msg.DeviceKey()

	if !g.Connected(key) {
		return g.deliveryFailed(ctx, msg, fmt.Errorf("%w: %s has no session on %s", message.ErrDeviceOffline, key, g.opts.Node))
	}

	data, err := g.deps.Codecs.Encode(msg.Topic, msg)
	if err != nil {
		return g.deliveryFailed(ctx, msg, err)
	}

	if err := g.deps.Transport.Send(ctx, msg.Topic, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", message.ErrDeliveryTimeout, err)
		}
		return g.deliveryFailed(ctx, msg, err)
	}

	g.opts.Metrics.downstream.WithLabelValues(resultOK).Inc()
	g.opts.Logger.Debug("message delivered",
		"stage", message.StageDelivered,
		"message_id", msg.ID,
		"device", key,
		"topic", msg.Topic,
	)
	return nil
}

func (g *Gateway) deliveryFailed(ctx context.Context, msg message.DeviceMessage, err error) error {
	key := msg.DeviceKey()
	g.dropSession(key)

	// The send may have failed because ctx expired; cleanup still runs.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	removed, rmErr := g.deps.Store.RemoveIfOwner(cleanupCtx, key, g.opts.Node)
	if rmErr != nil {
		g.opts.Logger.Error("affinity cleanup failed", "device", key, "error", rmErr)
	}

	g.opts.Metrics.downstream.WithLabelValues(string(message.FailureStage(err))).Inc()
	g.opts.Logger.Warn("downstream delivery failed",
		"stage", message.FailureStage(err),
		"message_id", msg.ID,
		"device", key,
		"affinity_removed", removed,
		"error", err,
	)
	return err
}

// Subscription is the bus subscription for this node's gateway topic. The
// group equals the topic, so exactly one subscriber receives each message.
func (g *Gateway) Subscription() bus.Subscription {
	topic := producer.GatewayTopic(g.opts.Node)
	return bus.Subscription{
		Name:    topic,
		Pattern: topic,
		Group:   topic,
		Handler: g.Deliver,
	}
}
