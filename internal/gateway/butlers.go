package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
	"github.com/basket/switchboard/internal/router"
)

func (s *Server) handleListButlers(w http.ResponseWriter, r *http.Request) {
	statuses, now, err := s.cfg.Registry.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}
	if queryBool(r, "routable") {
		kept := statuses[:0]
		for _, st := range statuses {
			if st.Routable {
				kept = append(kept, st)
			}
		}
		statuses = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"butlers": statuses, "as_of": now})
}

func (s *Server) handleGetButler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleButlerTransitions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.cfg.Registry.Get(r.Context(), name); err != nil {
		s.registryError(w, err)
		return
	}
	transitions, err := s.cfg.Registry.Transitions(r.Context(), name, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"butler": name, "transitions": transitions})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Registry.Heartbeat(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type quarantineBody struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var body quarantineBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = persistence.ReasonManualHold
	}
	if body.Reason != persistence.ReasonManualHold && body.Reason != persistence.ReasonPolicyViolation {
		writeError(w, http.StatusBadRequest, "validation_error",
			"reason must be "+persistence.ReasonManualHold+" or "+persistence.ReasonPolicyViolation)
		return
	}
	t, err := s.cfg.Registry.Quarantine(r.Context(), chi.URLParam(r, "name"), body.Reason, strings.TrimSpace(body.Detail))
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Registry.Release(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrButlerNotFound):
		writeError(w, http.StatusNotFound, "butler_not_found", err.Error())
	case errors.Is(err, registry.ErrEligibilityConflict):
		writeError(w, http.StatusConflict, "eligibility_conflict", err.Error())
	default:
		s.logger.Error("registry request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registry_error", err.Error())
	}
}

type routeBody struct {
	Target           string         `json:"target"`
	Tool             string         `json:"tool"`
	Args             map[string]any `json:"args"`
	AllowStale       bool           `json:"allow_stale"`
	AllowQuarantined bool           `json:"allow_quarantined"`
	Source           string         `json:"source"`
	TimeoutSeconds   float64        `json:"timeout_seconds"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "router not configured")
		return
	}
	var body routeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if strings.TrimSpace(body.Target) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "target is required")
		return
	}
	if body.Tool == "" {
		body.Tool = s.cfg.DispatchTool
	}
	res := s.cfg.Router.Route(r.Context(), router.Request{
		Target:           strings.TrimSpace(body.Target),
		Tool:             body.Tool,
		Args:             body.Args,
		AllowStale:       body.AllowStale,
		AllowQuarantined: body.AllowQuarantined,
		Source:           body.Source,
		Timeout:          time.Duration(body.TimeoutSeconds * float64(time.Second)),
	})
	writeJSON(w, routeStatus(res.Code), res)
}

func routeStatus(code string) int {
	switch code {
	case router.CodeOK:
		return http.StatusOK
	case router.CodeNotFound:
		return http.StatusNotFound
	case router.CodeStale, router.CodeQuarantined:
		return http.StatusConflict
	case router.CodeTransportError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
