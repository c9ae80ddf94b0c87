package intent

import "fmt"

// Role mirrors the EventManager role enum (same ordinal values). Values outside
// the known set decode to RoleUnknown, which policy treats as "already has a role".
//
// RoleSportsTeam is display-only: it can be read from the ledger but is never
// parsed from a request, has no action, and is not sponsored.
type Role uint8

const (
	RoleNone Role = iota
	RoleFan
	RoleMusician
	RoleSportsTeam

	RoleUnknown Role = 0xff
)

// Signed action names. These strings are part of the signed digest and must
// match the web client byte for byte.
const (
	ActionRegisterFan      = "registerAsFan"
	ActionRegisterMusician = "registerAsMusician"
)

// RoleFromLedger converts the raw uint8 returned by roles(address).
func RoleFromLedger(raw uint8) Role {
	switch Role(raw) {
	case RoleNone, RoleFan, RoleMusician, RoleSportsTeam:
		return Role(raw)
	default:
		return RoleUnknown
	}
}

// ParseRole accepts the wire values "fan" and "musician".
func ParseRole(s string) (Role, error) {
	switch s {
	case "fan":
		return RoleFan, nil
	case "musician":
		return RoleMusician, nil
	default:
		return RoleNone, fmt.Errorf("invalid role %q: must be \"fan\" or \"musician\"", s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleFan:
		return "fan"
	case RoleMusician:
		return "musician"
	case RoleSportsTeam:
		return "sportsTeam"
	default:
		return "unknown"
	}
}

// Action is the signed action name for a registrable role.
func (r Role) Action() string {
	switch r {
	case RoleFan:
		return ActionRegisterFan
	case RoleMusician:
		return ActionRegisterMusician
	default:
		return ""
	}
}

// MetaMethod is the EventManager function the sponsor calls on the user's
// behalf; it re-verifies the user's signature on-chain.
func (r Role) MetaMethod() string {
	if a := r.Action(); a != "" {
		return a + "Meta"
	}
	return ""
}

// RoleForAction reports which role a function name registers, if any.
func RoleForAction(fn string) (Role, bool) {
	switch fn {
	case ActionRegisterFan:
		return RoleFan, true
	case ActionRegisterMusician:
		return RoleMusician, true
	default:
		return RoleNone, false
	}
}
