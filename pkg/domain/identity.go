package domain

import "github.com/google/uuid"

// Role is the coarse role claim carried by the identity provider.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ParseRole maps a raw provider role claim to a Role. Anything that is not
// an exact admin claim is treated as the default role.
func ParseRole(raw string) Role {
	if raw == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}

// Identity is the caller's identity as issued by the external identity
// provider. It is read-only to this service except for the metadata flag,
// which is patched through the provider's metadata side channel.
type Identity struct {
	ID       uuid.UUID
	Email    string
	Role     Role
	Metadata IdentityMetadata
}

// IdentityMetadata is the slice of provider user metadata this service
// cares about.
type IdentityMetadata struct {
	FirstLoginComplete bool `json:"first_login_complete"`
}
