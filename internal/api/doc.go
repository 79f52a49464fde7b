// Package api implements the operator HTTP API and the WebSocket bus tap.
//
// This package provides:
//   - An HTTP device adapter (uplink frames, session keep-alive)
//   - Downstream command submission through the producer
//   - Read-only views of codecs, bus subscriptions and gateway affinity
//   - The pipeline failure log
//   - Prometheus exposition at /metrics
//   - A WebSocket tap that streams bus traffic by topic
//
// # Error Mapping
//
// Pipeline errors are reported with the same acknowledgement body devices
// receive (see gateway.NackFor) and an HTTP status chosen by statusFor:
// unsupported topics and malformed payloads are 400, offline devices 409,
// timeouts 504, storage failures 502 and everything else 500.
//
// # Bus Tap
//
// WebSocket clients subscribe to channels that are bus topic patterns. The
// hub holds one bus subscription per tapped channel, shared by every client
// on it, and drops it when the last client leaves.
package api
