package redisclient

import "errors"

// Sentinel errors for Redis operations.
var (
	// ErrNotConnected indicates the client was never connected.
	ErrNotConnected = errors.New("redis: not connected")

	// ErrConnectionFailed indicates the initial PING failed.
	ErrConnectionFailed = errors.New("redis: connection failed")

	// ErrDisabled indicates Redis is disabled in config.
	ErrDisabled = errors.New("redis: disabled in configuration")
)
