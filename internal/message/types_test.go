package message

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() DeviceMessage {
	return DeviceMessage{
		ID:                    "msg-1",
		Topic:                 "/iot/prodX/dev1/properties/report",
		ProductIdentification: "prodX",
		DeviceIdentification:  "dev1",
		FunctionType:          FunctionProperty,
		Direction:             Upstream,
		Payload: map[string]any{
			"temperature": 21.5,
			"nested":      map[string]any{"a": []any{1.0, "x"}},
		},
		Timestamp: time.UnixMilli(1700000000000).UTC(),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *DeviceMessage)
		wantErr bool
	}{
		{"valid", func(*DeviceMessage) {}, false},
		{"missing topic", func(m *DeviceMessage) { m.Topic = "" }, true},
		{"missing product", func(m *DeviceMessage) { m.ProductIdentification = "" }, true},
		{"missing device", func(m *DeviceMessage) { m.DeviceIdentification = "" }, true},
		{"bad function type", func(m *DeviceMessage) { m.FunctionType = "ALARM" }, true},
		{"bad direction", func(m *DeviceMessage) { m.Direction = "" }, true},
		{"colon in device", func(m *DeviceMessage) { m.DeviceIdentification = "aa:bb:cc" }, false},
		{"slash in device", func(m *DeviceMessage) { m.DeviceIdentification = "aa/bb" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMessage()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := validMessage()
	c := orig.Clone()

	c.Payload["temperature"] = 99.0
	c.Payload["nested"].(map[string]any)["a"].([]any)[0] = 42.0

	assert.Equal(t, 21.5, orig.Payload["temperature"])
	assert.Equal(t, 1.0, orig.Payload["nested"].(map[string]any)["a"].([]any)[0])
}

func TestWithHelpersDoNotMutateReceiver(t *testing.T) {
	orig := validMessage()

	moved := orig.WithTopic("bus.gateway.gw-7.downstream").WithDirection(Downstream).WithID("msg-2")

	assert.Equal(t, "/iot/prodX/dev1/properties/report", orig.Topic)
	assert.Equal(t, Upstream, orig.Direction)
	assert.Equal(t, "msg-1", orig.ID)
	assert.Equal(t, "bus.gateway.gw-7.downstream", moved.Topic)
	assert.Equal(t, Downstream, moved.Direction)
	assert.Equal(t, "msg-2", moved.ID)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	orig := validMessage()
	orig.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	data, err := Marshal(orig)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestFailureStage(t *testing.T) {
	assert.Equal(t, StageDecodeFailed, FailureStage(fmt.Errorf("wrap: %w", ErrCodecNotFound)))
	assert.Equal(t, StageRouteFailed, FailureStage(ErrDeviceOffline))
	assert.Equal(t, StageRouteFailed, FailureStage(ErrDeliveryTimeout))
	assert.Equal(t, StageIngestFailed, FailureStage(ErrIngestFailure))
	assert.Equal(t, StageRouteFailed, FailureStage(errors.New("other")))
	assert.True(t, StageIngestFailed.Terminal())
	assert.False(t, StageDelivered.Terminal())
}

func TestDeviceKey(t *testing.T) {
	assert.Equal(t, "prodX/dev1", validMessage().DeviceKey())

	// MAC-style identifiers carry colons; the pairs must stay distinct.
	assert.NotEqual(t, DeviceKey("a:b", "c"), DeviceKey("a", "b:c"))
	assert.Equal(t, "a:b/c", DeviceKey("a:b", "c"))
}
