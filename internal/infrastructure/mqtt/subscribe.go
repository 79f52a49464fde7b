package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// subscription is one tracked filter, replayed after reconnect.
type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// subscriptionSet tracks filters by their exact string.
type subscriptionSet struct {
	mu   sync.RWMutex
	byID map[string]subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{byID: make(map[string]subscription)}
}

func (s *subscriptionSet) put(sub subscription) {
	s.mu.Lock()
	s.byID[sub.filter] = sub
	s.mu.Unlock()
}

func (s *subscriptionSet) drop(filter string) {
	s.mu.Lock()
	delete(s.byID, filter)
	s.mu.Unlock()
}

func (s *subscriptionSet) has(filter string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[filter]
	return ok
}

// all returns the tracked subscriptions ordered by filter.
func (s *subscriptionSet) all() []subscription {
	s.mu.RLock()
	out := make([]subscription, 0, len(s.byID))
	for _, sub := range s.byID {
		out = append(out, sub)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].filter < out[j].filter })
	return out
}

// Subscribe registers handler for filter and tracks it for reconnects.
//
// filter may use "+" and "#" wildcards, and may be a shared subscription
// ("$share/<group>/<filter>", see Topics.Shared) in which case the broker
// delivers each message to one member of the group.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.Shared("devicebus-uplink", mqtt.Topics{}.AllDeviceUplinks()), 1,
//	    func(topic string, payload []byte) error {
//	        _, err := gw.HandleUpstream(ctx, topic, payload)
//	        return err
//	    })
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Tracked first so a reconnect racing this call still restores it.
	c.subs.put(subscription{filter: filter, qos: qos, handler: handler})

	tok := c.conn.Subscribe(filter, qos, c.wrapHandler(handler))
	if err := await(context.Background(), tok, defaultSubscribeTimeout); err != nil {
		c.subs.drop(filter)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

// Unsubscribe stops tracking filter and removes it at the broker. Messages
// already in flight may still reach the handler.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	c.subs.drop(filter)

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := await(context.Background(), c.conn.Unsubscribe(filter), defaultSubscribeTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, filter, err)
	}
	return nil
}

// Subscriptions returns the tracked filters in sorted order.
func (c *Client) Subscriptions() []string {
	subs := c.subs.all()
	out := make([]string, len(subs))
	for i, sub := range subs {
		out[i] = sub.filter
	}
	return out
}

// HasSubscription reports whether exactly filter is tracked.
func (c *Client) HasSubscription(filter string) bool {
	return c.subs.has(filter)
}
