package inventory

import "time"

// Module is one row of the inventory.
type Module struct {
	Gateway   string    `json:"gateway"`
	Address   string    `json:"address"`
	Serial    string    `json:"serial"`
	Firmware  string    `json:"firmware"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
