// Package cache implements the blob cache manager of the agent: named, versioned generations of
// captured responses, and the registry that derives the generation names of one agent version.
package cache

import (
	"slices"
	"strings"

	"github.com/tfkr-ae/mirsat/domain"
)

// DefaultRoles are the generations an agent version keeps on activation.
var DefaultRoles = []domain.CacheRole{domain.RoleStatic, domain.RoleDynamic, domain.RoleAPI}

// Registry names the cache generations of one agent version.
// Generation names are "<role>-<version>", e.g. "static-v2".
type Registry struct {
	version string
	roles   []domain.CacheRole
}

// NewRegistry returns the registry of version. With no roles, DefaultRoles are used.
func NewRegistry(version string, roles ...domain.CacheRole) *Registry {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	return &Registry{
		version: version,
		roles:   slices.Clone(roles),
	}
}

// Version returns the version tag shared by the generations.
func (r *Registry) Version() string {
	return r.version
}

// Roles returns the roles the registry owns.
func (r *Registry) Roles() []domain.CacheRole {
	return slices.Clone(r.roles)
}

// Name returns the generation name for role.
func (r *Registry) Name(role domain.CacheRole) string {
	return string(role) + "-" + r.version
}

// Generation returns the generation descriptor for role.
func (r *Registry) Generation(role domain.CacheRole) *domain.CacheGeneration {
	return &domain.CacheGeneration{
		Name:    r.Name(role),
		Role:    role,
		Version: r.version,
	}
}

// Names returns the generation names of every owned role.
func (r *Registry) Names() []string {
	names := make([]string, len(r.roles))
	for i, role := range r.roles {
		names[i] = r.Name(role)
	}
	return names
}

// Owns reports whether name is one of the registry's generations.
func (r *Registry) Owns(name string) bool {
	return slices.Contains(r.Names(), name)
}

// RoleOf returns the role encoded in a generation name.
func RoleOf(name string) domain.CacheRole {
	role, _, _ := strings.Cut(name, "-")
	return domain.CacheRole(role)
}
