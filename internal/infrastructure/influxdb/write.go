package influxdb

import (
	"context"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime writes one point and waits for the server to accept it.
//
// Parameters:
//   - ctx: Cancels the write; a default write timeout applies on top
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the data
//   - timestamp: Event time of the sample
//
// Returns:
//   - error: ErrNotConnected, or ErrWriteFailed wrapping the server error
//
// Example:
//
//	err := client.WritePointWithTime(ctx, "property",
//	    map[string]string{"device_id": "42", "identifier": "temperature"},
//	    map[string]any{"value": 21.5},
//	    ts)
func (c *Client) WritePointWithTime(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout())
	defer cancel()

	point := write.NewPoint(measurement, tags, fields, timestamp)
	if err := c.writeAPI.WritePoint(writeCtx, point); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// WritePoint writes a point stamped with the current time.
func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any) error {
	return c.WritePointWithTime(ctx, measurement, tags, fields, time.Now())
}
