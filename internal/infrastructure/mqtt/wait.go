package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// await blocks until tok completes, ctx ends or limit elapses, whichever is
// first. A limit timeout wraps both ErrTimeout and context.DeadlineExceeded
// so callers can treat it like an expired ctx.
func await(ctx context.Context, tok pahomqtt.Token, limit time.Duration) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %v: %w", ErrTimeout, limit, context.DeadlineExceeded)
	}
}
