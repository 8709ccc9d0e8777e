package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/switchboard/internal/coordinator"
	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/persistence"
)

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	category := persistence.FailureCategory(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown failure category "+string(category))
		return
	}
	entries, err := s.cfg.DeadLetters.ListReplayEligible(r.Context(), queryLimit(r), category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cfg.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, deadletter.ErrDeadLetterNotFound) {
		writeError(w, http.StatusNotFound, deadletter.CodeNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type replayBody struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
	// Process runs the replayed request through the pipeline before answering.
	Process bool `json:"process"`
}

type replayResponse struct {
	deadletter.ReplayResult
	Outcome *coordinator.Outcome `json:"outcome,omitempty"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var body replayBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	res := s.cfg.DeadLetters.Replay(r.Context(), chi.URLParam(r, "id"), operatorFrom(r, body.Operator), body.Reason)
	resp := replayResponse{ReplayResult: res}
	if res.Success && body.Process && s.cfg.Pipeline != nil {
		// The replay is committed; processing must not be cut short by the client.
		out, err := s.cfg.Pipeline.Process(context.WithoutCancel(r.Context()), res.ReplayedRequestID)
		if err != nil {
			s.logger.Error("process replayed request", "request_id", res.ReplayedRequestID, "error", err)
		}
		resp.Outcome = out
	}
	writeJSON(w, replayStatus(res.OutcomeCode()), resp)
}

func replayStatus(code string) int {
	switch code {
	case deadletter.CodeReplayed:
		return http.StatusOK
	case deadletter.CodeValidationError:
		return http.StatusBadRequest
	case deadletter.CodeNotFound:
		return http.StatusNotFound
	case deadletter.CodeNotReplayEligible, deadletter.CodeAlreadyReplayed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
