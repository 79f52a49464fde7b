package natsclient

import "errors"

// Sentinel errors for NATS operations.
var (
	// ErrNotConnected indicates the client has no live server connection.
	ErrNotConnected = errors.New("nats: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("nats: connection failed")

	// ErrPublishFailed indicates a publish or flush did not complete.
	ErrPublishFailed = errors.New("nats: publish failed")

	// ErrSubscribeFailed indicates a subscription could not be created.
	ErrSubscribeFailed = errors.New("nats: subscribe failed")

	// ErrDisabled indicates NATS is disabled in config.
	ErrDisabled = errors.New("nats: disabled in configuration")
)
