// Package clients contains typed HTTP clients for the downstream services
// the gateway fronts.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/confusedev/trafficgate/internal/admission"
	"github.com/confusedev/trafficgate/internal/apierror"
	"github.com/confusedev/trafficgate/internal/observability"
)

// AuthClientConfig configures the auth service client.
type AuthClientConfig struct {
	// BaseURL is the auth service root, without a trailing slash.
	BaseURL string

	// Timeout bounds each request to the auth service.
	Timeout time.Duration
}

// Validate checks the configuration and applies defaults.
func (c *AuthClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("auth client base URL is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

// AuthClient calls the authentication service to verify tokens and API keys.
// It implements admission.TokenVerifier and admission.APIKeyValidator.
type AuthClient struct {
	baseURL string
	client  *http.Client
	logger  observability.Logger
}

// NewAuthClient creates an auth service client.
func NewAuthClient(cfg AuthClientConfig, logger observability.Logger) (*AuthClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuthClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

type verifyResponse struct {
	Valid bool                `json:"valid"`
	User  *admission.UserInfo `json:"user"`
}

// VerifyToken verifies a bearer token against the auth service.
func (c *AuthClient) VerifyToken(ctx context.Context, token string) (*admission.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/verify", nil)
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "Failed to build auth request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apierror.Wrap(apierror.CodeInternal, "Malformed auth service response", err)
		}
		if !body.Valid || body.User == nil {
			return nil, apierror.Unauthorized("Invalid or expired token")
		}
		return body.User, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierror.Unauthorized("Invalid or expired token")
	case resp.StatusCode >= 500:
		c.logger.Warn("auth service error during token verification",
			observability.Int("status", resp.StatusCode))
		return nil, apierror.ServiceUnavailable("Authentication service unavailable")
	default:
		return nil, apierror.New(apierror.CodeInternal,
			fmt.Sprintf("Unexpected auth service status %d", resp.StatusCode))
	}
}

type validateKeyRequest struct {
	APIKey string `json:"apiKey"`
}

type validateKeyResponse struct {
	Valid  bool                  `json:"valid"`
	APIKey *admission.APIKeyInfo `json:"apiKey"`
}

// ValidateAPIKey validates an API key against the auth service.
func (c *AuthClient) ValidateAPIKey(ctx context.Context, key string) (*admission.APIKeyInfo, error) {
	payload, err := json.Marshal(validateKeyRequest{APIKey: key})
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "Failed to encode API key request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/auth/api-keys/validate", bytes.NewReader(payload))
	if err != nil {
		return nil, apierror.Wrap(apierror.CodeInternal, "Failed to build auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body validateKeyResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apierror.Wrap(apierror.CodeInternal, "Malformed auth service response", err)
		}
		if !body.Valid || body.APIKey == nil {
			return nil, apierror.Unauthorized("Invalid API key")
		}
		return body.APIKey, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierror.Unauthorized("Invalid API key")
	case resp.StatusCode >= 500:
		c.logger.Warn("auth service error during API key validation",
			observability.Int("status", resp.StatusCode))
		return nil, apierror.ServiceUnavailable("Authentication service unavailable")
	default:
		return nil, apierror.New(apierror.CodeInternal,
			fmt.Sprintf("Unexpected auth service status %d", resp.StatusCode))
	}
}

// Health probes the auth service health endpoint.
func (c *AuthClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apierror.ServiceUnavailable(
			fmt.Sprintf("Auth service health returned %d", resp.StatusCode))
	}
	return nil
}

// transportError classifies connection and timeout failures as
// unavailability so callers can distinguish them from credential errors.
func (c *AuthClient) transportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Warn("auth service request timed out", observability.Error(err))
		return apierror.Wrap(apierror.CodeServiceUnavailable, "Authentication service timeout", err)
	}
	c.logger.Warn("auth service unreachable", observability.Error(err))
	return apierror.Wrap(apierror.CodeServiceUnavailable, "Authentication service unavailable", err)
}
