package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/devicebus-core/internal/message"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Directory resolves device identities. It is what the ingest path and the
// gateway depend on; Registry is the production implementation.
type Directory interface {
	ByIdentification(ctx context.Context, productIdentification, deviceIdentification string) (Identity, error)
	ByID(ctx context.Context, id string) (Identity, error)
}

// Registry is a cached device directory in front of a Repository.
//
// The cache is populated on startup via RefreshCache() and filled on demand
// by lookups that miss it. Misses are not cached, so a device registered by
// another process becomes visible on its first lookup.
//
// All public methods are thread-safe.
type Registry struct {
	repo Repository

	mu    sync.RWMutex
	byID  map[string]Identity
	byKey map[string]Identity // "pid/did"

	logger Logger
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		byID:   make(map[string]Identity),
		byKey:  make(map[string]Identity),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	identities, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	byID := make(map[string]Identity, len(identities))
	byKey := make(map[string]Identity, len(identities))
	for _, identity := range identities {
		byID[identity.ID] = identity
		byKey[identity.Key()] = identity
	}

	r.mu.Lock()
	r.byID, r.byKey = byID, byKey
	r.mu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(identities))
	return nil
}

// ByIdentification returns the device presenting the given wire identifiers.
// Returns ErrDeviceNotFound if no such device is registered.
func (r *Registry) ByIdentification(ctx context.Context, productIdentification, deviceIdentification string) (Identity, error) {
	key := message.DeviceKey(productIdentification, deviceIdentification)

	r.mu.RLock()
	cached, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	identity, err := r.repo.GetByIdentification(ctx, productIdentification, deviceIdentification)
	if err != nil {
		return Identity{}, err
	}
	r.store(*identity)
	return *identity, nil
}

// ByID returns the device with the given internal id.
// Returns ErrDeviceNotFound if no such device is registered.
func (r *Registry) ByID(ctx context.Context, id string) (Identity, error) {
	r.mu.RLock()
	cached, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	identity, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	r.store(*identity)
	return *identity, nil
}

// Register persists a new device and caches it.
func (r *Registry) Register(ctx context.Context, identity Identity) (Identity, error) {
	if err := r.repo.Create(ctx, &identity); err != nil {
		return Identity{}, err
	}
	r.store(identity)
	r.logger.Info("device registered",
		"device_id", identity.ID,
		"device", identity.Key(),
	)
	return identity, nil
}

// Remove deletes a device and evicts it from the cache.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	if identity, ok := r.byID[id]; ok {
		delete(r.byKey, identity.Key())
		delete(r.byID, id)
	}
	r.mu.Unlock()

	r.logger.Info("device removed", "device_id", id)
	return nil
}

// List returns every cached device, sorted by wire key. Falls back to the
// repository when the cache is empty.
func (r *Registry) List(ctx context.Context) ([]Identity, error) {
	r.mu.RLock()
	if len(r.byID) == 0 {
		r.mu.RUnlock()
		return r.repo.List(ctx)
	}
	identities := make([]Identity, 0, len(r.byID))
	for _, identity := range r.byID {
		identities = append(identities, identity)
	}
	r.mu.RUnlock()

	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Key() < identities[j].Key()
	})
	return identities, nil
}

// CacheSize returns the number of cached devices.
func (r *Registry) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) store(identity Identity) {
	r.mu.Lock()
	r.byID[identity.ID] = identity
	r.byKey[identity.Key()] = identity
	r.mu.Unlock()
}
