package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of staff roles.
type Role uint8

const (
	RoleUnknown Role = iota
	// RoleLecturer submits claims and sees only their own.
	RoleLecturer
	// RoleCoordinator verifies or rejects pending claims.
	RoleCoordinator
	// RoleManager approves or rejects verified claims.
	RoleManager
	// RoleHR manages lecturer profiles and reads every claim.
	RoleHR
)

var roleNames = map[Role]string{
	RoleLecturer:    "lecturer",
	RoleCoordinator: "coordinator",
	RoleManager:     "manager",
	RoleHR:          "hr",
}

var roleAliases = map[string]Role{
	"lecturer":              RoleLecturer,
	"teacher":               RoleLecturer,
	"coordinator":           RoleCoordinator,
	"pc":                    RoleCoordinator,
	"programme_coordinator": RoleCoordinator,
	"manager":               RoleManager,
	"am":                    RoleManager,
	"academic_manager":      RoleManager,
	"hr":                    RoleHR,
}

// ParseRole accepts canonical names and the legacy abbreviations (PC, AM, Teacher).
func ParseRole(s string) (Role, error) {
	r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Reviewer reports whether r belongs to staff allowed to inspect any claim.
func (r Role) Reviewer() bool {
	return r == RoleCoordinator || r == RoleManager || r == RoleHR
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("auth: cannot marshal role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
