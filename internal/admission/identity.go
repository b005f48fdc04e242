// Package admission resolves caller identity and validates request
// integrity before any other gateway component is consulted.
package admission

import (
	"context"
)

// AuthType represents the authentication method used.
type AuthType string

// Authentication types.
const (
	AuthTypeBypass    AuthType = "bypass"
	AuthTypeJWT       AuthType = "jwt"
	AuthTypeAPIKey    AuthType = "apikey"
	AuthTypeAnonymous AuthType = "anonymous"
)

// Identity represents a resolved caller identity. It is attached to the
// request context once and read-only downstream.
type Identity struct {
	// Subject is the unique identifier for the caller.
	Subject string `json:"sub"`

	// Email is the caller's email address.
	Email string `json:"email,omitempty"`

	// Name is the caller's display name.
	Name string `json:"name,omitempty"`

	// Roles are the roles or scopes granted to the caller.
	Roles []string `json:"roles,omitempty"`

	// WorkspaceID scopes the caller to a workspace, when present.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// AuthType is the authentication method used.
	AuthType AuthType `json:"auth_type"`
}

// HasRole checks if the identity has a specific role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAnonymous reports whether the identity is unauthenticated.
func (i *Identity) IsAnonymous() bool {
	return i == nil || i.AuthType == AuthTypeAnonymous
}

// DevIdentity returns the fixed development identity used when the auth
// bypass flag is set.
func DevIdentity() *Identity {
	return &Identity{
		Subject:  "demo-user-001",
		Email:    "demo@confuse.dev",
		Name:     "Demo User",
		Roles:    []string{"user"},
		AuthType: AuthTypeBypass,
	}
}

// AnonymousIdentity returns an unauthenticated identity.
func AnonymousIdentity() *Identity {
	return &Identity{
		Subject:  "anonymous",
		AuthType: AuthTypeAnonymous,
	}
}

type identityContextKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}

// SubjectFromContext returns the authenticated subject, or "" when the
// request is unauthenticated.
func SubjectFromContext(ctx context.Context) string {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.IsAnonymous() {
		return ""
	}
	return identity.Subject
}
