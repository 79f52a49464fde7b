package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/devicebus-core/internal/bus"
	"github.com/nerrad567/devicebus-core/internal/device"
	"github.com/nerrad567/devicebus-core/internal/message"
)

const defaultWriteTimeout = 5 * time.Second

// Writer persists one data point. Implementations must not share a
// transaction across calls.
type Writer interface {
	Write(ctx context.Context, p DataPoint) error
	Name() string
}

// Logger defines the logging interface used by the ingestor.
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

// Options configures an Ingestor.
type Options struct {
	// WriteTimeout bounds each Insert.
	WriteTimeout time.Duration

	Logger  Logger
	Metrics *Metrics
}

// Ingestor writes device data points to the time-series store.
//
// Failures are logged and returned wrapped in message.ErrIngestFailure.
// Nothing is retried here; retry belongs to whoever called Insert.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Ingestor struct {
	writer Writer
	opts   Options
}

// New creates an ingestor writing through w.
func New(w Writer, opts Options) *Ingestor {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Ingestor{writer: w, opts: opts}
}

// Insert writes one data point in its own unit of work.
//
// Returns:
//   - ErrInvalidDataPoint (wrapped) when p is incomplete; nothing is written
//   - message.ErrIngestFailure (wrapped) when the store rejects the write
func (i *Ingestor) Insert(ctx context.Context, p DataPoint) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		i.opts.Metrics.failed.WithLabelValues(string(p.FunctionType)).Inc()
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, i.opts.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := i.writer.Write(writeCtx, p)
	i.opts.Metrics.duration.WithLabelValues(i.writer.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		i.opts.Metrics.failed.WithLabelValues(string(p.FunctionType)).Inc()
		i.opts.Logger.Error("data point write failed",
			"stage", message.StageIngestFailed,
			"backend", i.writer.Name(),
			"device_id", p.DeviceID,
			"identifier", p.Identifier,
			"error", err,
		)
		return fmt.Errorf("%w: %s %s: %w", message.ErrIngestFailure, p.DeviceID, p.Identifier, err)
	}

	i.opts.Metrics.written.WithLabelValues(string(p.FunctionType)).Inc()
	return nil
}

// Handler returns a bus handler that ingests upstream messages.
//
// The message's device is resolved through dir; every flattened data point
// is inserted independently and all failures are joined into the returned
// error, so one bad value never suppresses the others.
func (i *Ingestor) Handler(dir device.Directory) bus.Handler {
	return func(ctx context.Context, msg message.DeviceMessage) error {
		identity, err := dir.ByIdentification(ctx, msg.ProductIdentification, msg.DeviceIdentification)
		if err != nil {
			i.opts.Logger.Warn("ingest skipped: unknown device",
				"stage", message.StageIngestFailed,
				"message_id", msg.ID,
				"device", msg.DeviceKey(),
				"error", err,
			)
			return fmt.Errorf("%w: resolving %s: %w", message.ErrIngestFailure, msg.DeviceKey(), err)
		}

		points := DataPoints(msg, identity.ID)
		var errs []error
		for _, p := range points {
			if err := i.Insert(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}

		i.opts.Logger.Debug("message ingested",
			"stage", message.StageIngested,
			"message_id", msg.ID,
			"device_id", identity.ID,
			"points", len(points),
		)
		return nil
	}
}

// Subscription builds the bus subscription feeding Handler from topic
// within group. Every ingest node should share one group so each upstream
// message is stored once.
func (i *Ingestor) Subscription(topic, group string, dir device.Directory) bus.Subscription {
	return bus.Subscription{
		Name:    "ingest:" + topic,
		Pattern: topic,
		Group:   group,
		Handler: i.Handler(dir),
	}
}
