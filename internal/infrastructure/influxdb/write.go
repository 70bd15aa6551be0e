package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime writes a point with an explicit timestamp.
//
// The bridge stamps module status with the time the bus line arrived:
//
//	client.WritePointWithTime("lcn_status",
//	    map[string]string{"gateway": "pchk1", "module": "S000M005"},
//	    map[string]interface{}{"output1": 50.0},
//	    received)
//
// The write is non-blocking; points are batched and sent asynchronously.
// Writes on a closed client are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writes.WritePoint(point)
}
