// Package mqtt provides MQTT client connectivity for devicebus nodes.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Context-bounded publishing with QoS guarantees
//   - Topic subscriptions with wildcard and shared-subscription support
//   - Last Will and Testament (LWT) for node offline detection
//   - Connection health monitoring
//
// # Architecture
//
// MQTT serves two roles. It is the device-facing transport: gateway nodes
// subscribe to the uplink filter and publish encoded downlink frames. It can
// also carry the cluster bus, where each bus group maps to a shared
// subscription ("$share/<group>/<filter>") so the broker hands a message to
// one member of the group.
//
//	Devices ↔ MQTT Broker ↔ Gateway Nodes ↔ Bus ↔ Application Nodes
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Publish(ctx, mqtt.Topics{}.DeviceTopic("p1", "d1", "config/push"), frame, 1, false)
package mqtt
