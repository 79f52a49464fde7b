// Package message defines the canonical unit of exchange on the device bus.
//
// Every protocol adapter turns raw bytes into a DeviceMessage (via the codec
// registry) before anything else touches it, and every outbound command is a
// DeviceMessage until the owning gateway encodes it back to bytes.
//
// # Immutability
//
// A DeviceMessage is treated as immutable once published. The bus hands each
// subscriber its own deep copy (see Clone), and the With* helpers return new
// values rather than mutating the receiver.
//
// # Error Taxonomy
//
// The sentinel errors in errors.go are shared by every layer so callers can
// branch on them with errors.Is regardless of which component raised them:
//
//	if errors.Is(err, message.ErrDeviceOffline) {
//	    // negative-acknowledge towards the device-facing adapter
//	}
package message
