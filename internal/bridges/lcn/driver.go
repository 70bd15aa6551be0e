package lcn

import (
	"context"
	"time"
)

// defaultTickInterval is how often module schedulers get to transmit.
const defaultTickInterval = 250 * time.Millisecond

// Driver ticks every registered connection from a single goroutine.
type Driver struct {
	registry *Registry
	interval time.Duration
	now      func() time.Time
}

// NewDriver creates a driver. A zero interval uses 250ms.
func NewDriver(registry *Registry, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Driver{registry: registry, interval: interval, now: time.Now}
}

// Run ticks until ctx is done.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.now())
		}
	}
}

// Tick runs one scheduling round on every connection.
func (d *Driver) Tick(now time.Time) {
	d.registry.Range(func(c *Connection) bool {
		c.Tick(now)
		return true
	})
}
