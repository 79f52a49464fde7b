package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// ErrInvalidDataPoint is returned by Insert before any write is attempted.
var ErrInvalidDataPoint = errors.New("ingest: invalid data point")

// DataPoint is one time-series sample for one device.
//
// Value is normalised by Normalize to float64, bool or string.
type DataPoint struct {
	DeviceID     string
	Timestamp    time.Time
	Identifier   string
	FunctionType message.FunctionType
	Value        any
}

// Validate checks the fields every writer relies on.
func (p DataPoint) Validate() error {
	switch {
	case p.DeviceID == "":
		return fmt.Errorf("%w: device id is required", ErrInvalidDataPoint)
	case p.Identifier == "":
		return fmt.Errorf("%w: identifier is required", ErrInvalidDataPoint)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidDataPoint)
	case !p.FunctionType.Valid():
		return fmt.Errorf("%w: function type %q", ErrInvalidDataPoint, p.FunctionType)
	case p.Value == nil:
		return fmt.Errorf("%w: %s has no value", ErrInvalidDataPoint, p.Identifier)
	}
	return nil
}

// Normalize returns p with Value converted to float64, bool or string.
// Composite values that survive flattening (arrays) are stored as JSON text.
func (p DataPoint) Normalize() DataPoint {
	p.Value = normalizeValue(p.Value)
	return p
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case float64, bool, string:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// DataPoints flattens a decoded upstream message into one data point per
// leaf value.
//
// PROPERTY payloads map identifiers to values: {"temperature": 21.5} yields
// identifier "temperature". EVENT and SERVICE payloads belong to the
// message's Identifier: an "overheat" event with {"level": 3} yields
// "overheat.level". Nested objects extend the identifier with dotted keys.
// Points are returned sorted by identifier.
func DataPoints(msg message.DeviceMessage, deviceID string) []DataPoint {
	prefix := ""
	if msg.FunctionType != message.FunctionProperty {
		prefix = msg.Identifier
		if prefix == "" {
			prefix = msg.Type
		}
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var points []DataPoint
	flatten(prefix, msg.Payload, func(identifier string, value any) {
		points = append(points, DataPoint{
			DeviceID:     deviceID,
			Timestamp:    ts,
			Identifier:   identifier,
			FunctionType: msg.FunctionType,
			Value:        value,
		}.Normalize())
	})

	sort.Slice(points, func(i, j int) bool { return points[i].Identifier < points[j].Identifier })
	return points
}

func flatten(prefix string, payload map[string]any, emit func(string, any)) {
	for k, v := range payload {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, emit)
			continue
		}
		if v == nil {
			continue
		}
		emit(key, v)
	}
}
