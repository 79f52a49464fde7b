package gateway

import (
	"errors"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// NackCode is a protocol-neutral negative acknowledgement reason.
type NackCode string

// Negative acknowledgement reasons.
const (
	NackUnsupportedTopic NackCode = "unsupported_topic"
	NackInvalidPayload   NackCode = "invalid_payload"
	NackDeviceOffline    NackCode = "device_offline"
	NackTimeout          NackCode = "timeout"
	NackStorage          NackCode = "storage_failure"
	NackInternal         NackCode = "internal_error"
)

// Nack is what a device-facing adapter reports back for a failed frame.
type Nack struct {
	Code      NackCode `json:"code"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable"`
}

// NackFor maps a pipeline error to the acknowledgement an external caller
// sees. Configuration faults (such as an ambiguous codec set) and anything
// unrecognised become NackInternal with a generic message.
func NackFor(err error) Nack {
	switch {
	case err == nil:
		return Nack{}
	case errors.Is(err, message.ErrCodecAmbiguous):
		return Nack{Code: NackInternal, Message: "internal error"}
	case errors.Is(err, message.ErrCodecNotFound):
		return Nack{Code: NackUnsupportedTopic, Message: "no codec accepts this topic"}
	case errors.Is(err, message.ErrInvalidMessage):
		return Nack{Code: NackInvalidPayload, Message: "message could not be decoded"}
	case errors.Is(err, message.ErrDeviceOffline):
		return Nack{Code: NackDeviceOffline, Message: "device is not connected", Retryable: true}
	case errors.Is(err, message.ErrDeliveryTimeout):
		return Nack{Code: NackTimeout, Message: "delivery timed out", Retryable: true}
	case errors.Is(err, message.ErrIngestFailure):
		return Nack{Code: NackStorage, Message: "telemetry could not be stored", Retryable: true}
	default:
		return Nack{Code: NackInternal, Message: "internal error"}
	}
}
