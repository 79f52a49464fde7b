// Package producer is the typed entry point for putting device messages on
// the bus.
//
// Upstream messages go to a single topic every business consumer group can
// subscribe to. Downstream messages go to the gateway-specific topic
// "bus.gateway.<serverId>.downstream", which only the gateway holding the
// device's connection subscribes to. SendDownstream discovers that gateway
// through the affinity store and rejects the send with
// message.ErrDeviceOffline when no gateway holds the device.
package producer
