package mqtt

import (
	"context"
	"fmt"
)

// maxPayloadSize caps a single frame or bus envelope (1MB).
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker to accept it
// (PUBACK/PUBCOMP for QoS 1/2), bounded by ctx and defaultPublishTimeout.
//
// Parameters:
//   - ctx: Bounds the wait; an expired ctx fails before anything is sent
//   - topic: Concrete topic, e.g. "/iot/p1/d1/config/push"
//   - payload: Encoded frame or bus envelope, at most 1MB
//   - qos: 0, 1 or 2
//   - retained: Only for status topics; never for device commands
//
// Returns:
//   - error: wraps ErrPublishFailed; timeouts also match
//     context.DeadlineExceeded via errors.Is
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := await(ctx, c.conn.Publish(topic, qos, retained, payload), defaultPublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}
