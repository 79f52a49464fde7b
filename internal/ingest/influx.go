package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// PointWriter is the blocking single-point write the InfluxDB client exposes.
type PointWriter interface {
	WritePointWithTime(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) error
}

// InfluxWriter stores each data point as one InfluxDB point.
//
// The measurement is "device_" plus the lower-cased function type
// (device_property, device_event, device_service); tags are device_id and
// identifier; the single field is "value".
type InfluxWriter struct {
	client PointWriter
}

// NewInfluxWriter wraps a connected InfluxDB client.
func NewInfluxWriter(client PointWriter) *InfluxWriter {
	return &InfluxWriter{client: client}
}

// Name implements Writer.
func (w *InfluxWriter) Name() string { return "influxdb" }

// Write implements Writer.
func (w *InfluxWriter) Write(ctx context.Context, p DataPoint) error {
	return w.client.WritePointWithTime(ctx,
		Measurement(p.FunctionType),
		map[string]string{
			"device_id":  p.DeviceID,
			"identifier": p.Identifier,
		},
		map[string]any{"value": p.Value},
		p.Timestamp,
	)
}

// Measurement returns the measurement name for a function type.
func Measurement(functionType message.FunctionType) string {
	return "device_" + strings.ToLower(string(functionType))
}
