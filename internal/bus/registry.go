package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/nerrad567/devicebus-core/internal/codec"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// Logger defines the logging interface used by the bus.
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

// subscriber owns one subscription's queue and its single processing loop.
type subscriber struct {
	sub     Subscription
	pattern *codec.Pattern
	queue   chan message.DeviceMessage
	stop    chan struct{}
	done    chan struct{}

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// offer attempts a non-blocking hand-off.
func (s *subscriber) offer(msg message.DeviceMessage) bool {
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// enqueue blocks until msg is queued, the subscription stops or ctx ends.
// Callers bound the wait through ctx.
func (s *subscriber) enqueue(ctx context.Context, msg message.DeviceMessage) error {
	if s.offer(msg) {
		return nil
	}

	select {
	case s.queue <- msg:
		return nil
	case <-s.stop:
		return fmt.Errorf("group %s: %w", s.sub.Group, ErrBusClosed)
	case <-ctx.Done():
		return fmt.Errorf("group %s: queue full: %w", s.sub.Group, ctx.Err())
	}
}

func (s *subscriber) stats() Stats {
	return Stats{
		Name:       s.sub.Name,
		Pattern:    s.sub.Pattern,
		Group:      s.sub.Group,
		QueueDepth: len(s.queue),
		QueueSize:  cap(s.queue),
		Delivered:  s.delivered.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// snapshot is an immutable view of the registered subscribers.
type snapshot struct {
	subs   []*subscriber
	byName map[string]*subscriber
}

// Registry tracks active subscriptions and runs their processing loops.
//
// Reads (match) use an immutable snapshot behind an atomic pointer, so
// publishing never serialises on a global lock. Writers rebuild the snapshot.
type Registry struct {
	mu        sync.Mutex
	snap      atomic.Pointer[snapshot]
	closed    atomic.Bool
	queueSize int
	ctx       context.Context
	cancel    context.CancelFunc
	logger    Logger
	metrics   *Metrics

	// uniformGroups rejects a subscription whose group already has a
	// member with a different pattern.
	uniformGroups bool
}

// NewRegistry creates a subscriber registry.
//
// Parameters:
//   - queueSize: default per-subscription queue bound
//   - metrics: collectors to update; nil creates unregistered ones
func NewRegistry(queueSize int, metrics *Metrics) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		logger:    noopLogger{},
		metrics:   metrics,
	}
	r.snap.Store(&snapshot{byName: map[string]*subscriber{}})
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// add registers sub and starts its processing loop.
func (r *Registry) add(sub Subscription) (*subscriber, error) {
	if err := sub.validate(); err != nil {
		return nil, err
	}
	if sub.Group == "" {
		sub.Group = sub.Name
	}
	if sub.QueueSize <= 0 {
		sub.QueueSize = r.queueSize
	}
	p, err := codec.CompilePattern(sub.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return nil, ErrBusClosed
	}
	cur := r.snap.Load()
	if _, dup := cur.byName[sub.Name]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.Name)
	}
	if r.uniformGroups {
		for _, other := range cur.subs {
			if other.sub.Group == sub.Group && other.sub.Pattern != sub.Pattern {
				return nil, fmt.Errorf("%w: group %s already uses pattern %s",
					ErrInvalidSubscription, sub.Group, other.sub.Pattern)
			}
		}
	}

	s := &subscriber{
		sub:     sub,
		pattern: p,
		queue:   make(chan message.DeviceMessage, sub.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	next := &snapshot{
		subs:   append(append([]*subscriber(nil), cur.subs...), s),
		byName: make(map[string]*subscriber, len(cur.byName)+1),
	}
	for k, v := range cur.byName {
		next.byName[k] = v
	}
	next.byName[sub.Name] = s
	r.snap.Store(next)

	go r.run(s)

	r.logger.Debug("subscription registered", "name", sub.Name, "pattern", sub.Pattern, "group", sub.Group)
	return s, nil
}

// Remove stops and unregisters a subscription after draining its queue.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return ErrBusClosed
	}
	cur := r.snap.Load()
	s, ok := cur.byName[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, name)
	}

	next := &snapshot{byName: make(map[string]*subscriber, len(cur.byName))}
	for _, other := range cur.subs {
		if other != s {
			next.subs = append(next.subs, other)
			next.byName[other.sub.Name] = other
		}
	}
	r.snap.Store(next)
	r.mu.Unlock()

	close(s.stop)
	<-s.done
	r.metrics.queueDepth.DeleteLabelValues(name)
	return nil
}

// match returns, for each distinct group with a subscription matching topic,
// the one member that should receive it. Groups are ordered by first
// registration.
//
// A given topic always selects the same member of a group, which keeps
// publish order per (topic, group).
func (r *Registry) match(topic string) []*subscriber {
	var (
		groups  []string
		members = map[string][]*subscriber{}
	)
	for _, s := range r.snap.Load().subs {
		if !s.pattern.Matches(topic) {
			continue
		}
		if _, seen := members[s.sub.Group]; !seen {
			groups = append(groups, s.sub.Group)
		}
		members[s.sub.Group] = append(members[s.sub.Group], s)
	}
	if len(groups) == 0 {
		return nil
	}

	h := xxhash.Sum64String(topic)
	out := make([]*subscriber, 0, len(groups))
	for _, g := range groups {
		ms := members[g]
		out = append(out, ms[h%uint64(len(ms))])
	}
	return out
}

// get returns a subscriber by name.
func (r *Registry) get(name string) (*subscriber, bool) {
	s, ok := r.snap.Load().byName[name]
	return s, ok
}

// Stats returns one entry per subscription in registration order.
func (r *Registry) Stats() []Stats {
	subs := r.snap.Load().subs
	out := make([]Stats, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.stats())
	}
	return out
}

// Close stops every processing loop after draining queued messages.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return
	}
	subs := r.snap.Load().subs
	r.mu.Unlock()

	for _, s := range subs {
		close(s.stop)
	}
	for _, s := range subs {
		<-s.done
	}
	r.cancel()
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

func (r *Registry) run(s *subscriber) {
	defer close(s.done)
	for {
		select {
		case msg := <-s.queue:
			r.handle(s, msg)
		case <-s.stop:
			for {
				select {
				case msg := <-s.queue:
					r.handle(s, msg)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) handle(s *subscriber, msg message.DeviceMessage) {
	r.metrics.queueDepth.WithLabelValues(s.sub.Name).Set(float64(len(s.queue)))

	defer func() {
		if rec := recover(); rec != nil {
			s.failed.Add(1)
			r.metrics.failed.WithLabelValues(s.sub.Group).Inc()
			r.logger.Error("bus handler panic recovered",
				"subscription", s.sub.Name,
				"topic", msg.Topic,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := s.sub.Handler(r.ctx, msg); err != nil {
		s.failed.Add(1)
		r.metrics.failed.WithLabelValues(s.sub.Group).Inc()
		r.logger.Warn("bus handler failed",
			"subscription", s.sub.Name,
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	s.delivered.Add(1)
	r.metrics.delivered.WithLabelValues(s.sub.Group).Inc()
}
