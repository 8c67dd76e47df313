// Package identity authenticates caller tokens against the master token and
// the user table, producing the identity that dispatch accounting and metrics
// labels are keyed on.
package identity

import (
	"github.com/nulpointcorp/tenant-gateway/internal/registry"
	"github.com/nulpointcorp/tenant-gateway/pkg/apierr"
)

// Role classifies an authenticated caller.
type Role int

const (
	// RoleTenant is a caller matched against the user table.
	RoleTenant Role = iota
	// RoleAdmin is the holder of the master token.
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "tenant"
}

// Identity is an authenticated caller.
type Identity struct {
	Role Role

	// ID labels the caller in metrics and request logs. "admin" for the
	// master token, the profile ID otherwise.
	ID string

	// Profile is the caller's tenant profile. Zero for admins.
	Profile registry.CallerProfile
}

// ProfileLookup resolves a caller token to a tenant profile.
// *registry.Registry satisfies it.
type ProfileLookup interface {
	Profile(token string) (registry.CallerProfile, bool)
}

// Resolver authenticates caller tokens.
type Resolver struct {
	masterToken string
	profiles    ProfileLookup
}

// NewResolver builds a Resolver that checks the master token first, then the
// user table.
func NewResolver(masterToken string, profiles ProfileLookup) *Resolver {
	return &Resolver{masterToken: masterToken, profiles: profiles}
}

// Resolve authenticates token. The master token resolves to the admin
// identity; any token present in the user table resolves to a tenant
// identity; everything else fails with the uniform unauthorized error, which
// never discloses whether the token was close to a valid one.
func (r *Resolver) Resolve(token string) (Identity, error) {
	if token != "" && token == r.masterToken {
		return Identity{Role: RoleAdmin, ID: "admin"}, nil
	}

	if p, ok := r.profiles.Profile(token); ok {
		return Identity{Role: RoleTenant, ID: p.ID, Profile: p}, nil
	}

	return Identity{}, apierr.Unauthorized()
}
