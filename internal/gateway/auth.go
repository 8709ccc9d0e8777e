package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/switchboard/internal/shared"
)

// OperatorHeader names the acting operator when a request body does not.
const OperatorHeader = "X-Switchboard-Operator"

// requireToken rejects requests without the configured bearer token. An
// empty configured token rejects every request.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		if s.cfg.AuthToken == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}

		ctx := r.Context()
		if op := strings.TrimSpace(r.Header.Get(OperatorHeader)); op != "" {
			ctx = shared.WithOperator(ctx, op)
		}
		if trace := strings.TrimSpace(r.Header.Get("X-Trace-Id")); trace != "" {
			ctx = shared.WithTraceID(ctx, trace)
		} else {
			ctx, _ = shared.EnsureTraceID(ctx)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, X-API-Key
// and the api_key query parameter. The query form exists for browser
// websocket clients that cannot set headers.
func ExtractAPIKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// operatorFrom prefers the body value and falls back to the operator header.
func operatorFrom(r *http.Request, body string) string {
	if op := strings.TrimSpace(body); op != "" {
		return op
	}
	return shared.Operator(r.Context())
}
