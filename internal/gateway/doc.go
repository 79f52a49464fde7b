// Package gateway connects device-facing protocol adapters to the bus.
//
// A Gateway is the stateful end of the system: it holds device sessions
// and owns the gateway topic "bus.gateway.<node>.downstream".
//
//	device ──frame──▶ HandleUpstream ──decode──▶ affinity.Save ──▶ producer ──▶ bus.device.upstream
//	device ◀──frame── Transport ◀──encode── Deliver ◀── bus.gateway.<node>.downstream
//
// UplinkListener is the MQTT front-end; the HTTP front-end lives in the api
// package. Both report failures to devices through NackFor.
package gateway
