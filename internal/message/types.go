package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FunctionType classifies the semantics of a message payload.
type FunctionType string

// Function types.
const (
	FunctionProperty FunctionType = "PROPERTY"
	FunctionService  FunctionType = "SERVICE"
	FunctionEvent    FunctionType = "EVENT"
)

// Valid reports whether f is a known function type.
func (f FunctionType) Valid() bool {
	switch f {
	case FunctionProperty, FunctionService, FunctionEvent:
		return true
	}
	return false
}

// Direction is the travel direction of a message relative to the device.
type Direction string

// Directions.
const (
	// Upstream is device-to-backend.
	Upstream Direction = "UPSTREAM"
	// Downstream is backend-to-device.
	Downstream Direction = "DOWNSTREAM"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Upstream || d == Downstream
}

// DeviceMessage is the canonical unit of exchange between protocol adapters,
// backend handlers and the time-series store.
//
// Timestamp is the event time reported by (or for) the device, not the time
// the message was ingested.
type DeviceMessage struct {
	ID                    string         `json:"id"`
	Topic                 string         `json:"topic"`
	ProductIdentification string         `json:"product_identification"`
	DeviceIdentification  string         `json:"device_identification"`
	TenantID              string         `json:"tenant_id,omitempty"`
	FunctionType          FunctionType   `json:"function_type"`
	Direction             Direction      `json:"direction"`
	Identifier            string         `json:"identifier,omitempty"`
	Type                  string         `json:"type,omitempty"` // legacy flat type tag
	Payload               map[string]any `json:"payload,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the fields every device-bound message must carry.
func (m DeviceMessage) Validate() error {
	if m.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidMessage)
	}
	if m.ProductIdentification == "" || m.DeviceIdentification == "" {
		return fmt.Errorf("%w: product and device identification are required", ErrInvalidMessage)
	}
	if strings.Contains(m.ProductIdentification, "/") || strings.Contains(m.DeviceIdentification, "/") {
		return fmt.Errorf("%w: identification must not contain '/'", ErrInvalidMessage)
	}
	if !m.FunctionType.Valid() {
		return fmt.Errorf("%w: function type %q", ErrInvalidMessage, m.FunctionType)
	}
	if !m.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidMessage, m.Direction)
	}
	return nil
}

// Clone returns a deep copy of the message. Nested maps and slices in the
// payload are copied so the clone shares no mutable state with m.
func (m DeviceMessage) Clone() DeviceMessage {
	c := m
	if m.Payload != nil {
		c.Payload = clonePayload(m.Payload)
	}
	return c
}

// WithTopic returns a copy of m addressed to topic.
func (m DeviceMessage) WithTopic(topic string) DeviceMessage {
	c := m.Clone()
	c.Topic = topic
	return c
}

// WithDirection returns a copy of m with the given direction.
func (m DeviceMessage) WithDirection(d Direction) DeviceMessage {
	c := m.Clone()
	c.Direction = d
	return c
}

// WithID returns a copy of m carrying id.
func (m DeviceMessage) WithID(id string) DeviceMessage {
	c := m.Clone()
	c.ID = id
	return c
}

// DeviceKey returns the product/device pair that identifies the device on
// the wire. It is the key used for gateway affinity.
func (m DeviceMessage) DeviceKey() string {
	return DeviceKey(m.ProductIdentification, m.DeviceIdentification)
}

// DeviceKey joins product and device identification into the affinity key.
// The separator is "/", which neither topic token can contain, so distinct
// pairs never share a key.
func DeviceKey(productIdentification, deviceIdentification string) string {
	return productIdentification + "/" + deviceIdentification
}

// Marshal encodes the message as the JSON envelope used on cluster bridges.
func Marshal(m DeviceMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling device message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON envelope produced by Marshal.
func Unmarshal(data []byte) (DeviceMessage, error) {
	var m DeviceMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return DeviceMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return m, nil
}

func clonePayload(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}
