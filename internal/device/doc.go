// Package device is the device-identity directory.
//
// Devices present themselves on the wire by a product identification and a
// device identification (the ${pid} and ${did} topic tokens). The directory
// maps that pair to the internal device id used to tag time-series data and
// carries the owning tenant.
//
//	┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │───▶│    Repository    │───▶│  SQLite devices  │
//	│  (registry.go)   │    │ (repository.go)  │    │      table       │
//	│ • by id / by key │    │ • SQL queries    │    └──────────────────┘
//	│ • read-through   │    │ • unique pid/did │
//	└──────────────────┘    └──────────────────┘
//
// The ingest path and the gateway depend on the Directory interface only.
package device
