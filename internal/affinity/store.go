package affinity

import (
	"context"
	"errors"
	"fmt"
)

// Affinity errors.
var (
	// ErrNotFound is returned by Get when no live entry exists for a device.
	ErrNotFound = errors.New("affinity: no entry")

	// ErrInvalidEntry is returned when a device or server id is empty.
	ErrInvalidEntry = errors.New("affinity: device and server id are required")
)

// Store maps a device to the gateway node holding its live connection.
//
// Every operation is atomic per device. Entries expire after the store's TTL
// unless refreshed by Save, and the latest Save always wins.
type Store interface {
	// Save records that serverID holds deviceID's connection and resets the
	// entry's TTL. Saving the same pair twice is indistinguishable from
	// saving it once.
	Save(ctx context.Context, deviceID, serverID string) error

	// Get returns the live serverID for deviceID, or ErrNotFound.
	Get(ctx context.Context, deviceID string) (string, error)

	// Remove deletes deviceID's entry unconditionally.
	Remove(ctx context.Context, deviceID string) error

	// RemoveIfOwner deletes deviceID's entry only while it still names
	// serverID, so a stale gateway cannot evict its successor's entry.
	// Reports whether an entry was removed.
	RemoveIfOwner(ctx context.Context, deviceID, serverID string) (bool, error)

	// Close releases background resources. The store is unusable afterwards.
	Close() error
}

func validate(deviceID, serverID string) error {
	if deviceID == "" || serverID == "" {
		return fmt.Errorf("%w: device=%q server=%q", ErrInvalidEntry, deviceID, serverID)
	}
	return nil
}
