// Package domain holds the entities, status enums, transition tables and
// error taxonomy shared by the negotiation and settlement services.
package domain

import "slices"

// Role is a capability the boundary layer grants to a caller.
type Role string

const (
	RoleClient   Role = "cliente"
	RoleProvider Role = "prestador"
	RoleAdmin    Role = "admin"
)

// Actor is the caller identity handed to every state-changing operation.
// Authentication happens upstream; services only check the actor against
// the entity it is acting on.
type Actor struct {
	UserID string `json:"userId"`
	Roles  []Role `json:"roles"`
	Phone  string `json:"phone,omitempty"`
}

// Has reports whether the actor carries the given role.
func (a Actor) Has(r Role) bool {
	return slices.Contains(a.Roles, r)
}

func (a Actor) IsAdmin() bool { return a.Has(RoleAdmin) }

// System is the actor recorded on transitions made by background sweeps.
var System = Actor{UserID: "system", Roles: []Role{RoleAdmin}}
