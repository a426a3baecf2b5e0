package auth

import (
	"fmt"
	"strings"
)

// Role is the portal role carried by every account and every access token.
type Role uint8

const (
	RoleUnknown Role = iota
	RolePatient
	RoleDoctor
	RoleAdmin
)

var roleNames = map[Role]string{
	RolePatient: "patient",
	RoleDoctor:  "doctor",
	RoleAdmin:   "admin",
}

// AllRoles lists every assignable role.
func AllRoles() []Role {
	return []Role{RolePatient, RoleDoctor, RoleAdmin}
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole converts the wire name of a role. Unknown names are rejected
// rather than mapped to a default.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal role %d", r)
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

// RoleSet is a bitmask of roles allowed to perform an operation. The zero
// value means "any authenticated role".
type RoleSet uint8

// Roles builds a RoleSet from the given roles.
func Roles(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		if r.Valid() {
			s |= 1 << r
		}
	}
	return s
}

// Any reports whether the set places no role restriction.
func (s RoleSet) Any() bool { return s == 0 }

// Contains reports whether r is a member of s.
func (s RoleSet) Contains(r Role) bool {
	return r.Valid() && s&(1<<r) != 0
}

func (s RoleSet) String() string {
	if s.Any() {
		return "any"
	}
	var names []string
	for _, r := range AllRoles() {
		if s.Contains(r) {
			names = append(names, r.String())
		}
	}
	return strings.Join(names, " or ")
}
