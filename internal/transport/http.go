package transport

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/roasbeef/loom/internal/authctx"
	"github.com/roasbeef/loom/internal/rpc"
)

// maxBodyBytes bounds an RPC request body.
const maxBodyBytes = 1 << 20

// correlationHeader carries the request's correlation ID on every response.
const correlationHeader = "X-Correlation-Id"

// HTTPConfig wires the HTTP adapter's dependencies.
type HTTPConfig struct {
	// Extract turns a bearer token into claims. Nil disables token
	// handling entirely; authctx.DecodeClaims is the usual choice.
	Extract authctx.ClaimsExtractor

	// Ports flow into every request context built at this ingress.
	Ports authctx.Ports
}

// HTTPHandler serves the rpc envelope over POST. One handler instance serves
// all procedures of its router.
type HTTPHandler struct {
	router *rpc.Router
	cfg    HTTPConfig
}

// NewHTTPHandler builds the adapter around a router.
func NewHTTPHandler(router *rpc.Router, cfg HTTPConfig) *HTTPHandler {
	return &HTTPHandler{router: router, cfg: cfg}
}

// ServeHTTP validates method, media type, body, and envelope in that order,
// derives the request context from headers and bearer claims, and dispatches
// to the router. Every response, success or failure, carries the correlation
// ID.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rctx, authErr := h.requestContext(r)
	w.Header().Set(correlationHeader, rctx.CorrelationID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, rctx,
			rpc.Errorf(rpc.CodeMethodNotAllowed,
				"method %s not allowed", r.Method))
		return
	}

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		writeError(w, http.StatusUnsupportedMediaType, rctx,
			rpc.Errorf(rpc.CodeUnsupportedMediaType,
				"content type must be application/json"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, rctx,
			rpc.Errorf(rpc.CodeBadRequest, "read body: %v", err))
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, rctx,
			rpc.Errorf(rpc.CodeBadRequest, "malformed json: %v",
				err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, rctx, err)
		return
	}

	// A bad bearer token only matters once the request is otherwise
	// well-formed.
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, rctx,
			rpc.WrapError(rpc.CodeUnauthorized, authErr))
		return
	}

	result, err := h.router.Call(r.Context(), rctx, req.Procedure,
		req.Input)
	if err != nil {
		writeError(w, statusOf(rpc.CodeOf(err)), rctx, err)
		return
	}

	resp, err := rpc.NewResponse(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, rctx, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestContext builds the immutable request context from ingress headers
// and the optional bearer token. A token that fails extraction is reported
// separately so the validation ladder can order its failures.
func (h *HTTPHandler) requestContext(
	r *http.Request) (authctx.Context, error) {

	in := authctx.Ingress{
		CorrelationID: headerFirst(r, "X-Request-Id",
			"X-Correlation-Id"),
		TenantHeader: r.Header.Get("X-Tenant-Id"),
		UserHeader:   r.Header.Get("X-User-Id"),
		UserAgent:    r.UserAgent(),
		IPAddress:    clientIP(r),
	}

	var authErr error
	if token, ok := bearerToken(r); ok && h.cfg.Extract != nil {
		claims, err := h.cfg.Extract(token)
		if err != nil {
			authErr = err
		} else {
			in.Claims = claims
		}
	}

	return authctx.New(in, h.cfg.Ports), authErr
}

func headerFirst(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}

	return ""
}

// clientIP applies forwarded-for heuristics: the first X-Forwarded-For hop,
// then X-Real-Ip, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	return token, true
}

func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}

// statusOf maps wire codes onto HTTP statuses.
func statusOf(code rpc.Code) int {
	switch code {
	case rpc.CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case rpc.CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case rpc.CodeBadRequest:
		return http.StatusBadRequest
	case rpc.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case rpc.CodeProcedureNotFound, rpc.CodeNotFound:
		return http.StatusNotFound
	case rpc.CodeUnauthorized:
		return http.StatusUnauthorized
	case rpc.CodePermissionDenied:
		return http.StatusForbidden
	case rpc.CodeVersionConflict, rpc.CodeAlreadyExists:
		return http.StatusConflict
	case rpc.CodeMailboxFull, rpc.CodeServerAtCapacity:
		return http.StatusServiceUnavailable
	case rpc.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, rctx authctx.Context,
	err error) {

	writeJSON(w, status, rpc.ErrorResponse(err, rctx.CorrelationID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorS(context.Background(), "Writing response failed", err)
	}
}
