// Package influxdb records LCN module status as time series.
//
// It wraps the official influxdb-client-go v2 library. Every decoded
// numeric status (output levels, variables, relay and binary sensor bits)
// becomes a point of the lcn_status measurement tagged with gateway and
// module.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	switch {
//	case errors.Is(err, influxdb.ErrDisabled):
//	    // run without a recorder
//	case err != nil:
//	    return err
//	}
//	defer client.Close()
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; asynchronous write
// errors are delivered to the SetOnError callback.
package influxdb
