package domain

import "time"

// Machine is a networked machine controller known to the fleet. The record
// store owning machines is external to the core; this is the read slice used
// for existence checks and display.
type Machine struct {
	ID        string
	Name      string
	Model     string
	Location  string
	CreatedAt time.Time
}
