package admission

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/observability"
)

// UserInfo is the identity returned by token verification.
type UserInfo struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

// APIKeyInfo is the result of API key validation.
type APIKeyInfo struct {
	ID     string   `json:"id"`
	UserID string   `json:"userId"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// TokenVerifier verifies a bearer token. Implementations may call the
// authentication service or verify locally against a key set.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*UserInfo, error)
}

// APIKeyValidator validates an API key against the authentication service.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context, key string) (*APIKeyInfo, error)
}

// Resolver resolves caller identity from request credentials.
type Resolver struct {
	tokens  TokenVerifier
	apiKeys APIKeyValidator
	bypass  bool
	logger  observability.Logger
}

// NewResolver creates an identity resolver. When bypass is set, every
// request resolves to the fixed development identity without consulting
// anything.
func NewResolver(tokens TokenVerifier, apiKeys APIKeyValidator, bypass bool, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Resolver{
		tokens:  tokens,
		apiKeys: apiKeys,
		bypass:  bypass,
		logger:  logger,
	}
}

// ResolveIdentity resolves the caller identity, in order: bypass flag,
// bearer token, API key. A request with none of these is Unauthorized.
func (r *Resolver) ResolveIdentity(ctx context.Context, req *http.Request) (*Identity, error) {
	if r.bypass {
		r.logger.Debug("auth bypass enabled, using development identity")
		return withWorkspace(DevIdentity(), req), nil
	}

	if authz := req.Header.Get("Authorization"); authz != "" {
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			return nil, apierror.Unauthorized("Invalid authorization header format")
		}

		user, err := r.tokens.VerifyToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return withWorkspace(&Identity{
			Subject:  user.ID,
			Email:    user.Email,
			Name:     user.Name,
			Roles:    user.Roles,
			AuthType: AuthTypeJWT,
		}, req), nil
	}

	if key := req.Header.Get("X-API-Key"); key != "" {
		info, err := r.apiKeys.ValidateAPIKey(ctx, key)
		if err != nil {
			return nil, err
		}
		// The key carries no user profile; synthesize one from its scopes.
		return withWorkspace(&Identity{
			Subject:  info.UserID,
			Email:    fmt.Sprintf("api-key-%s@confuse.dev", info.ID),
			Name:     info.Name,
			Roles:    info.Scopes,
			AuthType: AuthTypeAPIKey,
		}, req), nil
	}

	return nil, apierror.Unauthorized("No authentication provided")
}

// ResolveOptional performs the same resolution but never rejects: absent or
// invalid credentials leave the request unauthenticated.
func (r *Resolver) ResolveOptional(ctx context.Context, req *http.Request) *Identity {
	identity, err := r.ResolveIdentity(ctx, req)
	if err != nil {
		return AnonymousIdentity()
	}
	return identity
}

func withWorkspace(identity *Identity, req *http.Request) *Identity {
	if ws := req.Header.Get("X-Workspace-Id"); ws != "" {
		identity.WorkspaceID = ws
	}
	return identity
}
