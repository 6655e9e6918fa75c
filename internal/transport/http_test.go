package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/event"
	"github.com/roasbeef/loom/internal/rpc"
)

// newTestRouter registers a few probe procedures: echo returns its input
// plus the caller's tenant, and the failing ones exercise error mapping.
func newTestRouter(t *testing.T) *rpc.Router {
	t.Helper()

	router := rpc.NewRouter()

	type echoInput struct {
		Msg string `json:"msg"`
	}
	type echoOutput struct {
		Msg    string `json:"msg"`
		Tenant string `json:"tenant"`
	}
	require.NoError(t, router.Register("echo", rpc.Typed(
		func(_ context.Context, rctx authctx.Context,
			in echoInput) (echoOutput, error) {

			return echoOutput{
				Msg:    in.Msg,
				Tenant: rctx.TenantID,
			}, nil
		})))

	require.NoError(t, router.Register("missing.thing", rpc.Typed(
		func(_ context.Context, _ authctx.Context,
			_ struct{}) (struct{}, error) {

			return struct{}{}, event.ErrNotFound
		})))

	require.NoError(t, router.Register("locked.door", rpc.Typed(
		func(_ context.Context, rctx authctx.Context,
			_ struct{}) (struct{}, error) {

			return struct{}{}, authctx.ValidateAccess(
				rctx, "vault", "open",
			)
		})))

	return router
}

func newTestHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()

	h := NewHTTPHandler(newTestRouter(t), HTTPConfig{
		Extract: authctx.DecodeClaims,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return srv
}

func postJSON(t *testing.T, url, body string,
	headers map[string]string) (*http.Response, rpc.Response) {

	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url,
		strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var envelope rpc.Response
	require.NoError(t,
		json.NewDecoder(resp.Body).Decode(&envelope))

	return resp, envelope
}

func makeToken(t *testing.T, payload map[string]any) string {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	b64 := base64.RawURLEncoding
	header := b64.EncodeToString([]byte(`{"alg":"none"}`))

	return header + "." + b64.EncodeToString(raw) + ".sig"
}

func TestHTTPHappyPath(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	resp, envelope := postJSON(t, srv.URL,
		`{"p":"echo","i":{"msg":"hello"}}`,
		map[string]string{"X-Tenant-Id": "acme"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.OK)
	require.Nil(t, envelope.Err)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-Id"))

	var out struct {
		Msg    string `json:"msg"`
		Tenant string `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &out))
	require.Equal(t, "hello", out.Msg)
	require.Equal(t, "acme", out.Tenant)
}

func TestHTTPEchoesCallerCorrelation(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	resp, _ := postJSON(t, srv.URL, `{"p":"echo","i":{}}`,
		map[string]string{"X-Request-Id": "req_1_abc"})
	require.Equal(t, "req_1_abc", resp.Header.Get("X-Correlation-Id"))
}

func TestHTTPUnknownProcedure(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	resp, envelope := postJSON(t, srv.URL, `{"p":"nope","i":{}}`, nil)

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, envelope.OK)
	require.Equal(t, rpc.CodeProcedureNotFound, envelope.Err.Code)
	require.NotEmpty(t, envelope.Err.CorrelationID)
}

func TestHTTPInvalidEnvelope(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	// Valid JSON, missing the procedure name.
	resp, envelope := postJSON(t, srv.URL, `{"i":{}}`, nil)

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, rpc.CodeValidationFailed, envelope.Err.Code)
	require.NotNil(t, envelope.Err.Details)
}

func TestHTTPMalformedBody(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	resp, envelope := postJSON(t, srv.URL, `{"p": "echo",`, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, rpc.CodeBadRequest, envelope.Err.Code)
}

func TestHTTPMethodAndMediaType(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	// GET is rejected with the allowed method advertised.
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Header.Get("Allow"))

	// Non-JSON content type.
	resp2, err := http.Post(srv.URL, "text/plain",
		strings.NewReader(`{"p":"echo"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp2.StatusCode)
}

func TestHTTPBearerClaimsWinOverHeaders(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	token := makeToken(t, map[string]any{
		"sub":      "user-7",
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Unix(),
		"tenantId": "token-tenant",
	})

	_, envelope := postJSON(t, srv.URL, `{"p":"echo","i":{}}`,
		map[string]string{
			"Authorization": "Bearer " + token,
			"X-Tenant-Id":   "header-tenant",
		})

	var out struct {
		Tenant string `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &out))
	require.Equal(t, "token-tenant", out.Tenant)
}

func TestHTTPInvalidBearerToken(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	resp, envelope := postJSON(t, srv.URL, `{"p":"echo","i":{}}`,
		map[string]string{"Authorization": "Bearer not-a-jwt"})

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, rpc.CodeUnauthorized, envelope.Err.Code)
}

func TestHTTPErrorStatusMapping(t *testing.T) {
	t.Parallel()

	srv := newTestHTTPServer(t)

	// A tenant-scoped miss maps to 404, indistinguishable from a
	// procedure miss at the status level.
	resp, envelope := postJSON(t, srv.URL, `{"p":"missing.thing"}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, rpc.CodeNotFound, envelope.Err.Code)

	// An authenticated caller without the capability gets 403.
	token := makeToken(t, map[string]any{
		"sub":         "user-7",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"iat":         time.Now().Unix(),
		"permissions": []string{"other:read"},
	})
	resp2, envelope2 := postJSON(t, srv.URL, `{"p":"locked.door"}`,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusForbidden, resp2.StatusCode)
	require.Equal(t, rpc.CodePermissionDenied, envelope2.Err.Code)
}
