// Package redisclient provides the Redis connection backing the
// distributed gateway affinity store.
//
// # Usage
//
//	client, err := redisclient.Connect(ctx, cfg.Redis)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	store := affinity.NewRedisStore(client.Redis(), cfg.Affinity.KeyPrefix, cfg.Affinity.TTL)
package redisclient
