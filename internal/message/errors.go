package message

import "errors"

// Error taxonomy for the device message path.
//
// CodecNotFound, DeviceOffline and DeliveryTimeout are recoverable and are
// returned to the caller. CodecAmbiguous is a startup configuration fault.
// IngestFailure is surfaced to the producer of the specific data point.
var (
	// ErrCodecNotFound is returned when a topic matches no registered codec
	// and no legacy type tag resolves one either.
	ErrCodecNotFound = errors.New("codec: no codec matches topic")

	// ErrCodecAmbiguous is returned at registration time when two active
	// codec patterns can both match the same concrete topic.
	ErrCodecAmbiguous = errors.New("codec: ambiguous topic pattern")

	// ErrDeviceOffline is returned when a downstream message targets a device
	// that has no gateway affinity entry.
	ErrDeviceOffline = errors.New("route: device offline")

	// ErrDeliveryTimeout is returned when the bus, the bridge or the affinity
	// store did not accept a hand-off within the bounded wait.
	ErrDeliveryTimeout = errors.New("route: delivery timeout")

	// ErrIngestFailure is returned when a time-series write fails.
	ErrIngestFailure = errors.New("ingest: write failed")

	// ErrInvalidMessage is returned when a message fails validation.
	ErrInvalidMessage = errors.New("message: invalid")
)
