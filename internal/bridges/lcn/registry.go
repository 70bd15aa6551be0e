package lcn

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps gateway IDs to their connections. It is created by the
// service and handed to the driver, the bridge and the health reporter.
type Registry struct {
	conns *xsync.MapOf[string, *Connection]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: xsync.NewMapOf[string, *Connection]()}
}

// Add registers a connection under its ID.
func (r *Registry) Add(c *Connection) error {
	if _, loaded := r.conns.LoadOrStore(c.ID(), c); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateGateway, c.ID())
	}
	return nil
}

// Remove unregisters a gateway and returns its connection.
func (r *Registry) Remove(id string) (*Connection, bool) {
	return r.conns.LoadAndDelete(id)
}

// Get returns the connection for a gateway ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	return r.conns.Load(id)
}

// Len returns the number of registered gateways.
func (r *Registry) Len() int { return r.conns.Size() }

// Range calls fn for each connection until fn returns false.
// The order is unspecified.
func (r *Registry) Range(fn func(c *Connection) bool) {
	r.conns.Range(func(_ string, c *Connection) bool {
		return fn(c)
	})
}

// IDs returns the registered gateway IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, r.conns.Size())
	r.conns.Range(func(id string, _ *Connection) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}
