package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Bridge carries envelopes between nodes through a broker.
//
// Subscribe must give queue-group semantics: for one group, each published
// envelope reaches exactly one subscriber across the cluster.
type Bridge interface {
	// Name identifies the broker in logs and metrics ("nats", "mqtt").
	Name() string

	// Publish sends data for a bus topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe delivers envelopes for topics that may match pattern.
	// Mapping to broker subjects can be lossy, so deliveries are a superset
	// and the bus re-checks each envelope against the pattern. Every member
	// of a group must therefore use the same pattern: the broker balances
	// on the subject, and a member whose pattern rejects the envelope drops
	// it for the whole group.
	Subscribe(pattern, group string, deliver func(data []byte)) (BridgeSubscription, error)
}

// BridgeSubscription is a live broker subscription.
type BridgeSubscription interface {
	Unsubscribe() error
}

// envelope is the wire form posted to the broker.
type envelope struct {
	Topic   string                `json:"topic"`
	Origin  string                `json:"origin,omitempty"`
	SentAt  time.Time             `json:"sent_at"`
	Message message.DeviceMessage `json:"message"`
}

// ClusterBus routes every post through a broker so any node's subscription
// may receive it. Local subscriptions still own their queues and loops; the
// broker decides which node's member of a group gets each message.
type ClusterBus struct {
	reg    *Registry
	bridge Bridge
	node   string
	opts   Options

	mu   sync.Mutex
	subs map[string]BridgeSubscription
}

// NewCluster creates a bus backed by bridge.
//
// Parameters:
//   - bridge: broker adapter (NATS queue groups or MQTT shared subscriptions)
//   - node: this process's server id, recorded on envelopes
//   - opts: queue and timeout settings
func NewCluster(bridge Bridge, node string, opts Options) *ClusterBus {
	opts = opts.withDefaults()
	reg := NewRegistry(opts.QueueSize, opts.Metrics)
	reg.SetLogger(opts.Logger)
	reg.uniformGroups = true
	return &ClusterBus{
		reg:    reg,
		bridge: bridge,
		node:   node,
		opts:   opts,
		subs:   make(map[string]BridgeSubscription),
	}
}

// Post publishes msg through the broker within PostTimeout.
//
// Returns message.ErrDeliveryTimeout (wrapped) on broker failure or timeout.
func (b *ClusterBus) Post(ctx context.Context, topic string, msg message.DeviceMessage) error {
	if b.reg.Closed() {
		return ErrBusClosed
	}

	data, err := json.Marshal(envelope{
		Topic:   topic,
		Origin:  b.node,
		SentAt:  time.Now().UTC(),
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", message.ErrInvalidMessage, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.opts.PostTimeout)
	defer cancel()

	if err := b.bridge.Publish(waitCtx, topic, data); err != nil {
		return fmt.Errorf("%w: %s: %w", message.ErrDeliveryTimeout, b.bridge.Name(), err)
	}
	b.opts.Metrics.posted.WithLabelValues(b.bridge.Name()).Inc()
	return nil
}

// Subscribe registers sub locally and joins the broker queue group named
// after sub.Group.
//
// A second local member of a group must use the group's pattern, otherwise
// ErrInvalidSubscription is returned. Members on other nodes cannot be
// checked here; deployments keep one pattern per group.
func (b *ClusterBus) Subscribe(sub Subscription) error {
	s, err := b.reg.add(sub)
	if err != nil {
		return err
	}

	bs, err := b.bridge.Subscribe(s.sub.Pattern, s.sub.Group, func(data []byte) {
		b.receive(s, data)
	})
	if err != nil {
		_ = b.reg.Remove(s.sub.Name)
		return fmt.Errorf("joining %s group %s: %w", b.bridge.Name(), s.sub.Group, err)
	}

	b.mu.Lock()
	b.subs[s.sub.Name] = bs
	b.mu.Unlock()
	return nil
}

// receive decodes a broker delivery and queues it for s.
func (b *ClusterBus) receive(s *subscriber, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.opts.Logger.Warn("dropping malformed bus envelope", "subscription", s.sub.Name, "error", err)
		return
	}
	if !s.pattern.Matches(env.Topic) {
		return
	}

	ctx, cancel := context.WithTimeout(b.reg.ctx, b.opts.PostTimeout)
	defer cancel()

	if err := s.enqueue(ctx, env.Message); err != nil {
		s.dropped.Add(1)
		b.opts.Metrics.dropped.WithLabelValues(s.sub.Group).Inc()
		b.opts.Logger.Warn("bus delivery dropped",
			"subscription", s.sub.Name,
			"topic", env.Topic,
			"origin", env.Origin,
			"error", err,
		)
	}
}

// Unsubscribe leaves the broker group and stops the local subscription.
func (b *ClusterBus) Unsubscribe(name string) error {
	b.mu.Lock()
	bs, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()

	var errs []error
	if ok {
		if err := bs.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.reg.Remove(name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats returns per-subscription counters for this node.
func (b *ClusterBus) Stats() []Stats {
	return b.reg.Stats()
}

// Close leaves every broker group, then drains local queues. The broker
// connection itself is owned by the caller.
func (b *ClusterBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]BridgeSubscription)
	b.mu.Unlock()

	var errs []error
	for name, bs := range subs {
		if err := bs.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	b.reg.Close()
	return errors.Join(errs...)
}

var _ Bus = (*ClusterBus)(nil)
