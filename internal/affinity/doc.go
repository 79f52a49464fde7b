// Package affinity tracks which gateway node holds each device's live
// connection.
//
// Gateways are stateful (they own the device socket) while the handlers that
// issue commands are not. Before a downstream send, a handler asks the store
// for the device's server id and posts to that gateway's bus topic.
//
// Entries carry a TTL refreshed on every heartbeat. A gateway that crashes
// without a clean disconnect stops refreshing, and its entries expire. A
// gateway that fails to deliver calls RemoveIfOwner so the next lookup does
// not repeat the failure.
//
// Two implementations are provided:
//   - MemoryStore for single-node deployments and tests
//   - RedisStore for a gateway fleet sharing one Redis
package affinity
