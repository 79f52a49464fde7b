package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Bus errors.
var (
	// ErrBusClosed is returned by Post and Subscribe after Close.
	ErrBusClosed = errors.New("bus: closed")

	// ErrDuplicateSubscription is returned when a subscription name is reused.
	ErrDuplicateSubscription = errors.New("bus: duplicate subscription name")

	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown names.
	ErrSubscriptionNotFound = errors.New("bus: subscription not found")

	// ErrInvalidSubscription is returned when a subscription is incomplete.
	ErrInvalidSubscription = errors.New("bus: invalid subscription")
)

// Handler processes one delivered message. The message is a private copy;
// handlers may keep it but must not expect changes to reach anyone else.
type Handler func(ctx context.Context, msg message.DeviceMessage) error

// Subscription registers a handler for every topic matching Pattern.
//
// Within one Group each message reaches exactly one subscription; every
// distinct Group receives its own copy.
type Subscription struct {
	// Name uniquely identifies the subscription on this node.
	Name string

	// Pattern uses the topic grammar shared with codecs. Literal topics such
	// as "bus.device.upstream" are valid patterns.
	Pattern string

	// Group partitions subscribers. Defaults to Name.
	Group string

	Handler Handler

	// QueueSize bounds the subscription's private queue. Zero uses the bus
	// default.
	QueueSize int
}

func (s Subscription) validate() error {
	if s.Name == "" || s.Pattern == "" || s.Handler == nil {
		return fmt.Errorf("%w: name, pattern and handler are required", ErrInvalidSubscription)
	}
	return nil
}

// Stats is a point-in-time view of one subscription.
type Stats struct {
	Name       string `json:"name"`
	Pattern    string `json:"pattern"`
	Group      string `json:"group"`
	QueueDepth int    `json:"queue_depth"`
	QueueSize  int    `json:"queue_size"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

// Bus is the publish/subscribe core shared by producers and consumers.
//
// Post is fire-and-forget: it returns once the message has been handed to
// every matching group's queue (or to the broker), not once handlers finish.
// Callers must not assume the subscriber runs in the same process.
type Bus interface {
	// Post publishes msg on topic.
	//
	// Returns message.ErrDeliveryTimeout (wrapped) when some group could not
	// accept the message within the bounded wait.
	Post(ctx context.Context, topic string, msg message.DeviceMessage) error

	// Subscribe registers a subscription and starts its processing loop.
	Subscribe(sub Subscription) error

	// Unsubscribe stops and removes a subscription by name.
	Unsubscribe(name string) error

	// Stats returns one entry per subscription in registration order.
	Stats() []Stats

	// Close stops every subscription after draining queued messages.
	Close() error
}
