// Package influxdb provides InfluxDB connectivity for the device
// time-series path.
//
// It wraps the official influxdb-client-go v2 library. Unlike a metrics
// pipeline, device samples are written with the blocking write API, one
// point per call, so the caller learns about every failed write.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.WritePointWithTime(ctx, "property",
//	    map[string]string{"device_id": "42", "identifier": "temperature"},
//	    map[string]any{"value": 21.5},
//	    ts)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
