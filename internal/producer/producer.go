package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/devicebus-core/internal/affinity"
	"github.com/nerrad567/devicebus-core/internal/bus"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// Bus topics owned by the producer.
const (
	// UpstreamTopic carries device messages to business-logic consumers.
	UpstreamTopic = "bus.device.upstream"

	gatewayTopicPrefix = "bus.gateway."
	gatewayTopicSuffix = ".downstream"
)

// defaultLookupTimeout bounds an affinity lookup when Options leaves it unset.
const defaultLookupTimeout = 500 * time.Millisecond

// GatewayTopic returns the bus topic only the gateway serverID subscribes to.
//
// Example: GatewayTopic("gw-7") == "bus.gateway.gw-7.downstream"
func GatewayTopic(serverID string) string {
	return gatewayTopicPrefix + serverID + gatewayTopicSuffix
}

// GatewayFromTopic extracts the server id from a gateway topic.
func GatewayFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, gatewayTopicPrefix) || !strings.HasSuffix(topic, gatewayTopicSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, gatewayTopicPrefix), gatewayTopicSuffix)
	return id, id != ""
}

// Logger defines the logging interface used by the producer.
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

// LocalDispatcher delivers a downstream message to a device connected to
// this node without going through the bus.
type LocalDispatcher interface {
	Deliver(ctx context.Context, msg message.DeviceMessage) error
}

// RoutePolicy decides what a failed downstream send returns to its caller.
// It receives the routing error (wrapping message.ErrDeviceOffline or
// message.ErrDeliveryTimeout) and may return it, translate it, or return
// nil to absorb it (for example after queueing the command elsewhere).
type RoutePolicy func(ctx context.Context, msg message.DeviceMessage, err error) error

// Options configures a Producer.
type Options struct {
	// Node is this process's server id.
	Node string

	// LookupTimeout bounds each affinity lookup.
	LookupTimeout time.Duration

	// Local, when set, receives downstream messages whose resolved gateway
	// is Node. The bus is used otherwise.
	Local LocalDispatcher

	// OnRouteFailure is applied to every downstream routing failure.
	OnRouteFailure RoutePolicy

	Logger  Logger
	Metrics *Metrics
}

// Producer publishes device messages on the bus, either upstream to
// business consumers or downstream to the gateway holding the device.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Producer struct {
	bus   bus.Bus
	store affinity.Store
	opts  Options
}

// New creates a producer.
//
// Parameters:
//   - b: bus to publish on (local or cluster)
//   - store: gateway affinity store used by SendDownstream
//   - opts: node identity, timeouts and failure policy
func New(b bus.Bus, store affinity.Store, opts Options) *Producer {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Producer{bus: b, store: store, opts: opts}
}

// SendDeviceMessage publishes msg on UpstreamTopic for business consumers.
// An empty ID is filled in; the direction is forced to UPSTREAM.
func (p *Producer) SendDeviceMessage(ctx context.Context, msg message.DeviceMessage) error {
	msg = prepare(msg, message.Upstream)
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := p.bus.Post(ctx, UpstreamTopic, msg); err != nil {
		p.opts.Metrics.failed.WithLabelValues(routeUpstream, reason(err)).Inc()
		return fmt.Errorf("posting upstream %s: %w", msg.ID, err)
	}
	p.opts.Metrics.sent.WithLabelValues(routeUpstream).Inc()
	p.opts.Logger.Debug("message routed",
		"stage", message.StageRoutedUpstream,
		"message_id", msg.ID,
		"device", msg.DeviceKey(),
	)
	return nil
}

// SendDeviceMessageToGateway publishes msg on serverID's gateway topic.
//
// The caller already knows the gateway; no affinity lookup is made, so the
// message is published even when no entry currently names serverID.
func (p *Producer) SendDeviceMessageToGateway(ctx context.Context, serverID string, msg message.DeviceMessage) error {
	if serverID == "" {
		return fmt.Errorf("%w: server id is required", message.ErrInvalidMessage)
	}
	msg = prepare(msg, message.Downstream)
	if err := msg.Validate(); err != nil {
		return err
	}
	topic := GatewayTopic(serverID)
	if err := p.bus.Post(ctx, topic, msg); err != nil {
		p.opts.Metrics.failed.WithLabelValues(routeGateway, reason(err)).Inc()
		return fmt.Errorf("posting to %s: %w", topic, err)
	}
	p.opts.Metrics.sent.WithLabelValues(routeGateway).Inc()
	p.opts.Logger.Debug("message routed",
		"stage", message.StageRoutedDownstream,
		"message_id", msg.ID,
		"device", msg.DeviceKey(),
		"gateway", serverID,
	)
	return nil
}

// SendDownstream resolves the gateway holding msg's device and sends msg
// there.
//
// Returns the resolved server id. Failures wrap message.ErrDeviceOffline
// (no live affinity entry) or message.ErrDeliveryTimeout (lookup or hand-off
// exceeded its bound) and pass through OnRouteFailure.
func (p *Producer) SendDownstream(ctx context.Context, msg message.DeviceMessage) (string, error) {
	msg = prepare(msg, message.Downstream)
	if err := msg.Validate(); err != nil {
		return "", err
	}

	serverID, err := p.Resolve(ctx, msg.DeviceKey())
	if err != nil {
		return "", p.routeFailed(ctx, msg, err)
	}

	if p.opts.Local != nil && serverID == p.opts.Node {
		if err := p.opts.Local.Deliver(ctx, msg); err != nil {
			p.opts.Metrics.failed.WithLabelValues(routeLocal, reason(err)).Inc()
			return serverID, p.routeFailed(ctx, msg, err)
		}
		p.opts.Metrics.sent.WithLabelValues(routeLocal).Inc()
		return serverID, nil
	}

	if err := p.SendDeviceMessageToGateway(ctx, serverID, msg); err != nil {
		return serverID, p.routeFailed(ctx, msg, err)
	}
	return serverID, nil
}

// Resolve looks up the gateway for deviceKey within LookupTimeout.
//
// Returns message.ErrDeviceOffline when the device has no live entry, and
// message.ErrDeliveryTimeout when the store did not answer in time.
func (p *Producer) Resolve(ctx context.Context, deviceKey string) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.opts.LookupTimeout)
	defer cancel()

	serverID, err := p.store.Get(lookupCtx, deviceKey)
	switch {
	case err == nil:
		return serverID, nil
	case errors.Is(err, affinity.ErrNotFound):
		return "", fmt.Errorf("%w: %s", message.ErrDeviceOffline, deviceKey)
	case errors.Is(err, context.DeadlineExceeded), lookupCtx.Err() != nil:
		return "", fmt.Errorf("%w: affinity lookup for %s: %w", message.ErrDeliveryTimeout, deviceKey, err)
	default:
		return "", fmt.Errorf("affinity lookup for %s: %w", deviceKey, err)
	}
}

func (p *Producer) routeFailed(ctx context.Context, msg message.DeviceMessage, err error) error {
	p.opts.Metrics.routeFailures.WithLabelValues(reason(err)).Inc()
	p.opts.Logger.Warn("downstream route failed",
		"stage", message.StageRouteFailed,
		"message_id", msg.ID,
		"device", msg.DeviceKey(),
		"error", err,
	)
	if p.opts.OnRouteFailure != nil {
		return p.opts.OnRouteFailure(ctx, msg, err)
	}
	return err
}

func prepare(msg message.DeviceMessage, dir message.Direction) message.DeviceMessage {
	msg = msg.WithDirection(dir)
	if msg.ID == "" {
		msg.ID = message.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

func reason(err error) string {
	switch {
	case errors.Is(err, message.ErrDeviceOffline):
		return "offline"
	case errors.Is(err, message.ErrDeliveryTimeout):
		return "timeout"
	case errors.Is(err, bus.ErrBusClosed):
		return "closed"
	default:
		return "error"
	}
}
