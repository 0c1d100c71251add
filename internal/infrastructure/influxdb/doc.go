// Package influxdb records appliance telemetry in InfluxDB v2.
//
// Every successful sync tick writes one "appliance_state" point tagged with
// the vendor device GUID. Writes are non-blocking and batched by the
// official client; async failures are reported through SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	client.WriteApplianceState(sample)
package influxdb
