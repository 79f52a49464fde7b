package affinity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is used when a store is created without a TTL.
const DefaultTTL = 90 * time.Second

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// TTL is the inactivity window after which an entry expires.
	TTL time.Duration

	// SweepInterval runs a janitor that drops expired entries. Zero disables
	// it; expired entries are then only dropped when read.
	SweepInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	serverID string
	expires  time.Time
}

// MemoryStore is a single-process Store. It suits a one-node deployment or
// tests; a fleet of gateways needs the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts its janitor if
// opts.SweepInterval is set.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &MemoryStore{
		entries: make(map[string]entry),
		ttl:     opts.TTL,
		now:     opts.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go s.janitor(opts.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, deviceID, serverID string) error {
	if err := validate(deviceID, serverID); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[deviceID] = entry{serverID: serverID, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// Get implements Store. An expired entry is dropped on the way out.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[deviceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, deviceID)
		return "", fmt.Errorf("%w: %s (expired)", ErrNotFound, deviceID)
	}
	return e.serverID, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.entries, deviceID)
	s.mu.Unlock()
	return nil
}

// RemoveIfOwner implements Store.
func (s *MemoryStore) RemoveIfOwner(_ context.Context, deviceID, serverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[deviceID]
	if !ok || e.serverID != serverID {
		return false, nil
	}
	delete(s.entries, deviceID)
	return true, nil
}

// Len returns the number of stored entries, expired ones included until
// they are swept or read.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

var _ Store = (*MemoryStore)(nil)
