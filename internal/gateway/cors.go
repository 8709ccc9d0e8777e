package gateway

import (
	"net/http"
	"path"
	"strconv"
	"strings"
)

// CORSConfig controls browser access to /api. AllowedOrigins entries are
// exact origins, "*" or path.Match patterns such as "https://*.example.com".
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type corsPolicy struct {
	any      bool
	exact    map[string]bool
	patterns []string
	methods  string
	headers  string
	maxAge   string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{exact: make(map[string]bool)}
	for _, o := range cfg.AllowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		switch {
		case o == "*":
			p.any = true
		case strings.ContainsAny(o, "*?["):
			p.patterns = append(p.patterns, o)
		case o != "":
			p.exact[o] = true
		}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "X-API-Key", OperatorHeader, "Traceparent"}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 600
	}
	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func (p *corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	origin = strings.ToLower(origin)
	if p.exact[origin] {
		return true
	}
	for _, pat := range p.patterns {
		if ok, _ := path.Match(pat, origin); ok {
			return true
		}
	}
	return false
}

// NewCORSMiddleware answers preflight requests and tags responses for allowed
// origins. A preflight from any other origin gets 403. Disabled config
// passes requests through untouched.
func NewCORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := policy.allows(origin)
			w.Header().Add("Vary", "Origin")
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", policy.methods)
				h.Set("Access-Control-Allow-Headers", policy.headers)
				h.Set("Access-Control-Max-Age", policy.maxAge)
			}
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if origin != "" && !allowed && r.Header.Get("Access-Control-Request-Method") != "" {
				writeError(w, http.StatusForbidden, "origin_not_allowed", "origin "+origin+" is not allowed")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies; maxBytes <= 0 means 1MB.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
					"request body exceeds "+strconv.FormatInt(maxBytes, 10)+" bytes")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
