package domain

import "strings"

// Role is the verified role of an actor within an equb.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCollector Role = "collector"
	RoleMember    Role = "member"
)

// ParseRole converts external role vocabulary into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleCollector:
		return RoleCollector, nil
	case RoleMember:
		return RoleMember, nil
	}
	return "", Invalid(CodeInvalidRole, "unknown role %q", s)
}

// IdentityContext is an actor identity that the auth layer has already verified.
// It is passed explicitly into every submission; there is no ambient identity.
type IdentityContext struct {
	actorID string
	role    Role
}

// NewIdentityContext wraps a verified identity. The caller vouches that
// actorID and role come from a verified credential, never from request input.
func NewIdentityContext(actorID string, role Role) (IdentityContext, error) {
	if strings.TrimSpace(actorID) == "" {
		return IdentityContext{}, Invalid(CodeInvalidIdentity, "actor id is required")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return IdentityContext{}, err
	}
	return IdentityContext{actorID: actorID, role: role}, nil
}

// MustIdentity is NewIdentityContext for tests and fixtures.
func MustIdentity(actorID string, role Role) IdentityContext {
	id, err := NewIdentityContext(actorID, role)
	if err != nil {
		panic(err)
	}
	return id
}

// ActorID returns the verified actor id.
func (c IdentityContext) ActorID() string { return c.actorID }

// Role returns the verified role.
func (c IdentityContext) Role() Role { return c.role }

// IsZero reports whether the identity was never constructed.
func (c IdentityContext) IsZero() bool { return c.actorID == "" }
