package lcn

import "github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"

// VariableCache holds the last reported value of each variable on a module.
// Only response handlers write to it.
type VariableCache struct {
	values map[pck.Variable]int64
}

// NewVariableCache creates an empty cache.
func NewVariableCache() *VariableCache {
	return &VariableCache{values: make(map[pck.Variable]int64)}
}

// Set stores the value of v.
func (c *VariableCache) Set(v pck.Variable, value int64) {
	c.values[v] = value
}

// Get returns the last value of v.
func (c *VariableCache) Get(v pck.Variable) (int64, bool) {
	value, ok := c.values[v]
	return value, ok
}

// Len returns the number of cached variables.
func (c *VariableCache) Len() int { return len(c.values) }
