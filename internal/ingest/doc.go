// Package ingest writes device telemetry to a time-series store.
//
// An Ingestor inserts one DataPoint per call through a Writer (InfluxDB or
// the SQLite device_datapoints table). Each insert is its own unit of work;
// a failure is logged, counted and returned wrapping
// message.ErrIngestFailure so the caller can retry or alert.
//
// Handler plugs the ingestor into the bus: it resolves the sending device,
// flattens the decoded payload into data points and inserts each one.
package ingest
