package audit

import (
	"context"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

const recordTimeout = 2 * time.Second

// Logger defines the logging interface used by the recorder.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Recorder writes pipeline failures observed on one node to a Repository.
type Recorder struct {
	repo   Repository
	node   string
	logger Logger
}

// NewRecorder creates a recorder. node is stored as the server id of every
// entry. A nil logger discards write errors.
func NewRecorder(repo Repository, node string, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{repo: repo, node: node, logger: logger}
}

// Record stores one failure. The write outlives ctx cancellation, since the
// failure is often a cancelled or expired request.
func (r *Recorder) Record(ctx context.Context, msg message.DeviceMessage, err error) {
	if err == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	entry := &Entry{
		Stage:     message.FailureStage(err),
		MessageID: msg.ID,
		Topic:     msg.Topic,
		ServerID:  r.node,
		Reason:    err.Error(),
		Details: map[string]any{
			"direction":     string(msg.Direction),
			"function_type": string(msg.FunctionType),
		},
	}
	if msg.ProductIdentification != "" || msg.DeviceIdentification != "" {
		entry.Device = msg.DeviceKey()
	}
	if msg.Identifier != "" {
		entry.Details["identifier"] = msg.Identifier
	}

	if createErr := r.repo.Create(writeCtx, entry); createErr != nil {
		r.logger.Error("recording pipeline failure",
			"message_id", msg.ID,
			"device", entry.Device,
			"error", createErr,
		)
	}
}

// RoutePolicy returns a policy for the producer's route failures that
// records each one and hands the error back unchanged.
func (r *Recorder) RoutePolicy() func(ctx context.Context, msg message.DeviceMessage, err error) error {
	return func(ctx context.Context, msg message.DeviceMessage, err error) error {
		r.Record(ctx, msg, err)
		return err
	}
}
