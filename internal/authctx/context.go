// Package authctx builds the immutable per-request context that every
// stateful operation carries: correlation ID, tenant and principal identity,
// auth metadata, and the injected capability ports. Contexts are created once
// at transport ingress and never mutated afterwards; derivation helpers
// return copies.
package authctx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTenant is used when neither token claims nor headers carry a tenant.
const DefaultTenant = "default"

// Auth is the authorization metadata extracted from a bearer token.
type Auth struct {
	// Roles the principal holds.
	Roles []string

	// Permissions as "<resource>:<action>" strings.
	Permissions []string

	// IssuedAt and ExpiresAt bound the token lifetime.
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Context carries a request's identity and capabilities. All fields are set
// at construction; treat the value as read-only.
type Context struct {
	// CorrelationID is always present, generated when the caller sent
	// none. It propagates to every event, log line, and response the
	// request produces.
	CorrelationID string

	// TenantID scopes all store access. Never empty; defaults to
	// DefaultTenant.
	TenantID string

	// PrincipalID identifies the caller, empty for anonymous requests.
	PrincipalID string

	// UserAgent and IPAddress come from transport ingress, best effort.
	UserAgent string
	IPAddress string

	// Timestamp is when the context was created.
	Timestamp time.Time

	// Auth holds role and permission metadata, nil when the request
	// carried no token.
	Auth *Auth

	// Ports are the injected capabilities handlers reach the world
	// through.
	Ports Ports
}

// Ingress is the raw identity material a transport hands to New. Claims, when
// present, win over headers for identity fields; headers only fill gaps.
type Ingress struct {
	CorrelationID string
	TenantHeader  string
	UserHeader    string
	UserAgent     string
	IPAddress     string
	Claims        *Claims
}

// New builds a request context from transport ingress data, applying the
// extraction order: token claims first, then headers for fields the token
// left empty, then defaults.
func New(in Ingress, ports Ports) Context {
	ctx := Context{
		CorrelationID: in.CorrelationID,
		TenantID:      in.TenantHeader,
		PrincipalID:   in.UserHeader,
		UserAgent:     in.UserAgent,
		IPAddress:     in.IPAddress,
		Timestamp:     ports.Now(),
		Ports:         ports,
	}

	if in.Claims != nil {
		c := in.Claims
		if c.Subject != "" {
			ctx.PrincipalID = c.Subject
		}
		if tenant := c.Tenant(); tenant != "" {
			ctx.TenantID = tenant
		}
		ctx.Auth = &Auth{
			Roles:       c.Roles,
			Permissions: c.Permissions,
			IssuedAt:    time.Unix(c.IssuedAt, 0).UTC(),
			ExpiresAt:   time.Unix(c.ExpiresAt, 0).UTC(),
		}
	}

	if ctx.CorrelationID == "" {
		ctx.CorrelationID = NewCorrelationID()
	}
	if ctx.TenantID == "" {
		ctx.TenantID = DefaultTenant
	}

	return ctx
}

// WithCorrelation returns a copy of the context bound to a different
// correlation ID, for fan-out work that needs its own trace.
func (c Context) WithCorrelation(correlationID string) Context {
	c.CorrelationID = correlationID
	return c
}

// NewCorrelationID generates a fresh correlation ID of the form
// req_<unix-nano>_<rand>.
func NewCorrelationID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back
		// to a time-only suffix just in case.
		return fmt.Sprintf("req_%d_0", time.Now().UnixNano())
	}

	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(),
		hex.EncodeToString(buf[:]))
}
