package auth

import "strings"

// Role is a backend group name
type Role string

const (
	RoleAdmin   Role = "Admin"
	RoleSeller  Role = "Seller"
	RoleBuyer   Role = "Buyer"
	RoleSupport Role = "Support"
	RoleManager Role = "Manager"
)

// HasAnyRole reports whether groups grant one of roles.
// Admin satisfies every check; an empty role list only requires a session.
func HasAnyRole(groups []string, roles ...Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, g := range groups {
		if Role(g) == RoleAdmin {
			return true
		}
		for _, r := range roles {
			if Role(g) == r {
				return true
			}
		}
	}
	return false
}

// ParseRole maps a case-insensitive name to a known role
func ParseRole(name string) (Role, bool) {
	for _, r := range []Role{RoleAdmin, RoleSeller, RoleBuyer, RoleSupport, RoleManager} {
		if strings.EqualFold(string(r), name) {
			return r, true
		}
	}
	return "", false
}
