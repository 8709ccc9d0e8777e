// Package gateway serves the operator HTTP API and the websocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/coordinator"
	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/operator"
	otelPkg "github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
	"github.com/basket/switchboard/internal/router"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Dispatcher is satisfied by *router.Router.
type Dispatcher interface {
	Route(ctx context.Context, req router.Request) router.Result
}

type Config struct {
	Store       *persistence.Store
	Registry    *registry.Registry
	Router      Dispatcher
	Lifecycle   *lifecycle.Manager
	Pipeline    *coordinator.Pipeline
	DeadLetters *deadletter.Service
	Operator    *operator.Controls
	Bus         *bus.Bus
	Metrics     *otelPkg.Metrics
	Logger      *slog.Logger

	// AuthToken is required as a bearer token on every /api and /ws route.
	// An empty token rejects all of them.
	AuthToken string
	// AllowOrigins are websocket origin patterns accepted besides same-origin.
	AllowOrigins []string
	CORS         CORSConfig
	RateLimit    RateLimitConfig
	MaxBodyBytes int64

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
	// DispatchTool is the default tool for POST /api/route.
	DispatchTool string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DispatchTool == "" {
		cfg.DispatchTool = coordinator.DefaultTool
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// StartEviction drops idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(NewCORSMiddleware(s.cfg.CORS))
	r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.limiter.Wrap)

		r.Route("/api/butlers", func(r chi.Router) {
			r.Get("/", s.handleListButlers)
			r.Get("/{name}", s.handleGetButler)
			r.Get("/{name}/transitions", s.handleButlerTransitions)
			r.Post("/{name}/heartbeat", s.handleHeartbeat)
			r.Post("/{name}/quarantine", s.handleQuarantine)
			r.Post("/{name}/release", s.handleRelease)
		})
		r.Post("/api/route", s.handleRoute)
		r.Post("/api/inbox", s.handleInbox)
		r.Route("/api/requests", func(r chi.Router) {
			r.Get("/", s.handleListRequests)
			r.Get("/{id}", s.handleGetRequest)
			r.Post("/{id}/{action}", s.handleRequestAction)
		})
		r.Route("/api/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Get("/{id}", s.handleGetDeadLetter)
			r.Post("/{id}/replay", s.handleReplay)
		})
		r.Get("/ws/events", s.handleEvents)
	})
	// Server spans use the global tracer provider and continue any W3C trace
	// context sent by the caller.
	return otelhttp.NewHandler(r, "gateway",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" }))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Registry != nil && dbOK {
		if statuses, _, err := s.cfg.Registry.Snapshot(r.Context()); err == nil {
			routable := 0
			for _, st := range statuses {
				if st.Routable {
					routable++
				}
			}
			payload["butlers"] = len(statuses)
			payload["routable_butlers"] = routable
		}
	}
	if s.cfg.Bus != nil {
		payload["event_subscribers"] = s.cfg.Bus.SubscriberCount()
		payload["event_seq"] = s.cfg.Bus.LastSeq()
		payload["events_dropped"] = s.cfg.Bus.Dropped()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		trace.SpanFromContext(r.Context()).SetName(r.Method + " " + route)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.RecordRequest(r.Context(), r.Method+" "+route, status, time.Since(started))
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryLimit(r *http.Request) int {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	return limit
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}
