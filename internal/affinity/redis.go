package affinity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces affinity keys in a shared Redis.
const DefaultKeyPrefix = "devicebus:affinity:"

// removeIfOwner deletes KEYS[1] only while it holds ARGV[1]. GET and DEL run
// as one script so no other writer can slip in between.
var removeIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Store shared by every node of a cluster.
//
// Each device is one string key holding the server id, written with SET and
// an expiry, so Save is a single atomic last-writer-wins command and
// expiry is handled by Redis itself.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store on an already connected client. The caller
// owns the client; Close does not close it.
//
// Parameters:
//   - client: go-redis client (single node, sentinel or cluster)
//   - prefix: key prefix; empty uses DefaultKeyPrefix
//   - ttl: inactivity window; zero uses DefaultTTL
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(deviceID string) string {
	return s.prefix + deviceID
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, deviceID, serverID string) error {
	if err := validate(deviceID, serverID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(deviceID), serverID, s.ttl).Err(); err != nil {
		return fmt.Errorf("affinity: redis set %s: %w", deviceID, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, deviceID string) (string, error) {
	serverID, err := s.client.Get(ctx, s.key(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		return "", fmt.Errorf("affinity: redis get %s: %w", deviceID, err)
	}
	return serverID, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, s.key(deviceID)).Err(); err != nil {
		return fmt.Errorf("affinity: redis del %s: %w", deviceID, err)
	}
	return nil
}

// RemoveIfOwner implements Store.
func (s *RedisStore) RemoveIfOwner(ctx context.Context, deviceID, serverID string) (bool, error) {
	n, err := removeIfOwner.Run(ctx, s.client, []string{s.key(deviceID)}, serverID).Int64()
	if err != nil {
		return false, fmt.Errorf("affinity: redis compare-and-delete %s: %w", deviceID, err)
	}
	return n == 1, nil
}

// TTL returns the remaining lifetime of deviceID's entry, or ErrNotFound.
func (s *RedisStore) TTL(ctx context.Context, deviceID string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.key(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("affinity: redis pttl %s: %w", deviceID, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return d, nil
}

// Close implements Store. The client stays open.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
