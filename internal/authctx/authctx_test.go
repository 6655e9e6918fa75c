package authctx

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var correlationRE = regexp.MustCompile(`^req_[0-9]+_[a-z0-9]+$`)

// makeToken builds an unsigned JWT with the given payload.
func makeToken(t *testing.T, payload map[string]any) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString(
		[]byte(`{"alg":"none","typ":"JWT"}`),
	)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	return header + "." + base64.RawURLEncoding.EncodeToString(body) + "."
}

func TestNewCorrelationIDFormat(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		require.Regexp(t, correlationRE, id)
		require.NotContains(t, seen, id)
		seen[id] = struct{}{}
	}
}

func TestNewGeneratesCorrelationWhenAbsent(t *testing.T) {
	t.Parallel()

	ctx := New(Ingress{}, Ports{})
	require.Regexp(t, correlationRE, ctx.CorrelationID)
	require.Equal(t, DefaultTenant, ctx.TenantID)

	ctx = New(Ingress{CorrelationID: "req_1_abc"}, Ports{})
	require.Equal(t, "req_1_abc", ctx.CorrelationID)
}

func TestNewClaimsWinOverHeaders(t *testing.T) {
	t.Parallel()

	claims, err := DecodeClaims(makeToken(t, map[string]any{
		"sub":      "user-from-token",
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Unix(),
		"tenantId": "tenant-from-token",
		"roles":    []string{"editor"},
	}))
	require.NoError(t, err)

	ctx := New(Ingress{
		TenantHeader: "tenant-from-header",
		UserHeader:   "user-from-header",
		Claims:       claims,
	}, Ports{})

	require.Equal(t, "user-from-token", ctx.PrincipalID)
	require.Equal(t, "tenant-from-token", ctx.TenantID)
	require.NotNil(t, ctx.Auth)
	require.Equal(t, []string{"editor"}, ctx.Auth.Roles)
}

func TestNewHeadersFillClaimGaps(t *testing.T) {
	t.Parallel()

	// Token with no tenant claim: the header supplies it.
	claims, err := DecodeClaims(makeToken(t, map[string]any{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}))
	require.NoError(t, err)

	ctx := New(Ingress{
		TenantHeader: "tenant-from-header",
		Claims:       claims,
	}, Ports{})

	require.Equal(t, "user-1", ctx.PrincipalID)
	require.Equal(t, "tenant-from-header", ctx.TenantID)
}

func TestDecodeClaims(t *testing.T) {
	t.Parallel()

	token := makeToken(t, map[string]any{
		"sub":            "user-1",
		"exp":            int64(1800000000),
		"iat":            int64(1700000000),
		"organizationId": "org-1",
		"permissions":    []string{"process:start"},
		"loom": map[string]any{
			"theme": "dark",
		},
	})

	claims, err := DecodeClaims(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "org-1", claims.Tenant())
	require.Equal(t, []string{"process:start"}, claims.Permissions)
	require.Contains(t, claims.Extensions, "theme")
}

func TestDecodeClaimsRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		token string
	}{
		{"two segments", "abc.def"},
		{"bad base64", "h.!!!!.s"},
		{"not json", "h." +
			base64.RawURLEncoding.EncodeToString([]byte("nope")) +
			".s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClaims(tc.token)
			require.Error(t, err)
		})
	}

	// Missing required claims.
	_, err := DecodeClaims(makeToken(t, map[string]any{"exp": 1, "iat": 1}))
	require.Error(t, err)
	_, err = DecodeClaims(makeToken(t, map[string]any{"sub": "u"}))
	require.Error(t, err)
}

func TestValidateAccess(t *testing.T) {
	t.Parallel()

	withAuth := func(a Auth) Context {
		return Context{TenantID: "t1", Auth: &a}
	}

	// Explicit permission passes.
	err := ValidateAccess(withAuth(Auth{
		Permissions: []string{"process:start"},
	}), "process", "start")
	require.NoError(t, err)

	// Admin role passes without the explicit permission.
	err = ValidateAccess(withAuth(Auth{
		Roles: []string{"admin"},
	}), "process", "terminate")
	require.NoError(t, err)

	// Neither: denied, naming the capability.
	err = ValidateAccess(withAuth(Auth{
		Roles:       []string{"viewer"},
		Permissions: []string{"process:read"},
	}), "process", "start")

	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "process:start", denied.Capability)

	// No auth metadata at all is treated as internal.
	require.NoError(t, ValidateAccess(Context{}, "process", "start"))
}

func TestWithCorrelationCopies(t *testing.T) {
	t.Parallel()

	orig := New(Ingress{CorrelationID: "req_1_aa"}, Ports{})
	derived := orig.WithCorrelation("req_2_bb")

	require.Equal(t, "req_1_aa", orig.CorrelationID)
	require.Equal(t, "req_2_bb", derived.CorrelationID)
}
