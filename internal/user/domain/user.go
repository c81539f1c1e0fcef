package domain

import "time"

// Role is an operator's access level.
type Role string

const (
	// RoleAdmin may force-release control locks and manage the fleet.
	RoleAdmin Role = "admin"
	// RoleOperator may acquire control and drive jobs.
	RoleOperator Role = "operator"
	// RoleViewer may watch telemetry only.
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// User is an operator account. The record store owning users is external to
// the core; this is the narrow slice the core reads.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	Role         Role
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}
