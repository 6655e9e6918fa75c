package authctx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Claims is the decoded payload of a bearer token. The shape is fixed; token
// fields outside it land in Extensions keyed by their JSON name.
type Claims struct {
	// Subject is the principal identifier. Required.
	Subject string `json:"sub"`

	// ExpiresAt and IssuedAt are unix seconds. Required.
	ExpiresAt int64 `json:"exp"`
	IssuedAt  int64 `json:"iat"`

	// TenantID and OrganizationID are optional tenancy claims; Tenant()
	// resolves the effective one.
	TenantID       string `json:"tenantId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`

	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	// Extensions holds claims under the configured custom namespace,
	// opaque to this package.
	Extensions map[string]json.RawMessage `json:"-"`
}

// Tenant returns the effective tenant claim, preferring tenantId over
// organizationId.
func (c *Claims) Tenant() string {
	if c.TenantID != "" {
		return c.TenantID
	}

	return c.OrganizationID
}

// ClaimsExtractor turns a bearer token into Claims. The default is the
// non-validating DecodeClaims; deployments front the daemon with a verifying
// gateway or swap in an extractor that checks signatures.
type ClaimsExtractor func(token string) (*Claims, error)

// DecodeClaims decodes a JWT payload WITHOUT verifying the signature. It
// checks shape only: three dot-separated segments, base64url payload, and
// the required sub/exp/iat fields.
func DecodeClaims(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed token: expected 3 segments, "+
			"got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parse token claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	if claims.ExpiresAt == 0 || claims.IssuedAt == 0 {
		return nil, fmt.Errorf("token missing exp/iat claims")
	}

	// Everything outside the known fields goes to Extensions under the
	// loom namespace.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err == nil {
		claims.Extensions = extractNamespace(raw, "loom")
	}

	return &claims, nil
}

// extractNamespace pulls custom claims from under the given namespace key.
func extractNamespace(raw map[string]json.RawMessage,
	namespace string) map[string]json.RawMessage {

	nested, ok := raw[namespace]
	if !ok {
		return nil
	}

	var ext map[string]json.RawMessage
	if err := json.Unmarshal(nested, &ext); err != nil {
		return nil
	}

	return ext
}
