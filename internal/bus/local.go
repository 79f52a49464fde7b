package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Options configures a bus.
type Options struct {
	// QueueSize is the default per-subscription queue bound.
	QueueSize int

	// PostTimeout bounds how long Post waits on a full queue (or on the
	// broker) before reporting message.ErrDeliveryTimeout.
	PostTimeout time.Duration

	Logger  Logger
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.PostTimeout <= 0 {
		o.PostTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

// LocalBus dispatches in-process only.
type LocalBus struct {
	reg  *Registry
	opts Options
}

// NewLocal creates an in-process bus.
func NewLocal(opts Options) *LocalBus {
	opts = opts.withDefaults()
	reg := NewRegistry(opts.QueueSize, opts.Metrics)
	reg.SetLogger(opts.Logger)
	return &LocalBus{reg: reg, opts: opts}
}

// Post hands a private copy of msg to one member of every group whose
// subscription matches topic.
//
// All groups are offered the message without blocking first; only groups
// whose queues were full are then waited on, sharing one PostTimeout. A slow
// group therefore never delays delivery to the others.
func (b *LocalBus) Post(ctx context.Context, topic string, msg message.DeviceMessage) error {
	if b.reg.Closed() {
		return ErrBusClosed
	}
	b.opts.Metrics.posted.WithLabelValues("local").Inc()
	return b.dispatch(ctx, b.reg.match(topic), msg)
}

func (b *LocalBus) dispatch(ctx context.Context, targets []*subscriber, msg message.DeviceMessage) error {
	var pending []*subscriber
	for _, s := range targets {
		if !s.offer(msg.Clone()) {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.opts.PostTimeout)
	defer cancel()

	var errs []error
	for _, s := range pending {
		if err := s.enqueue(waitCtx, msg.Clone()); err != nil {
			s.dropped.Add(1)
			b.opts.Metrics.dropped.WithLabelValues(s.sub.Group).Inc()
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		b.opts.Logger.Warn("bus delivery timed out", "topic", msg.Topic, "groups", len(errs))
		return fmt.Errorf("%w: %w", message.ErrDeliveryTimeout, errors.Join(errs...))
	}
	return nil
}

// Subscribe registers sub and starts its processing loop.
func (b *LocalBus) Subscribe(sub Subscription) error {
	_, err := b.reg.add(sub)
	return err
}

// Unsubscribe stops and removes a subscription.
func (b *LocalBus) Unsubscribe(name string) error {
	return b.reg.Remove(name)
}

// Stats returns per-subscription counters.
func (b *LocalBus) Stats() []Stats {
	return b.reg.Stats()
}

// Close drains and stops every subscription.
func (b *LocalBus) Close() error {
	b.reg.Close()
	return nil
}

var _ Bus = (*LocalBus)(nil)
