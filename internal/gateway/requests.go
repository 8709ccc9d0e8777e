package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/operator"
	"github.com/basket/switchboard/internal/persistence"
)

type inboxBody struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Sender    string         `json:"sender"`
	Text      string         `json:"text"`
	Context   map[string]any `json:"context"`
	SessionID string         `json:"session_id"`
}

// handleInbox accepts a message and runs it through the pipeline before
// answering. Without a pipeline the message is only accepted.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var body inboxBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	in := lifecycle.Inbound{
		ID:        body.ID,
		Channel:   body.Channel,
		Sender:    body.Sender,
		Text:      body.Text,
		Context:   body.Context,
		SessionID: body.SessionID,
	}

	if s.cfg.Pipeline == nil {
		msg, err := s.cfg.Lifecycle.Accept(r.Context(), in)
		if err != nil {
			s.lifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, msg)
		return
	}
	out, err := s.cfg.Pipeline.Ingest(r.Context(), in)
	if err != nil {
		s.lifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter := persistence.MessageFilter{
		State: persistence.LifecycleState(r.URL.Query().Get("state")),
		Limit: queryLimit(r),
	}
	if filter.State != "" && !filter.State.Valid() {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown lifecycle state "+string(filter.State))
		return
	}
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "before must be RFC3339")
			return
		}
		filter.Before = before
	}
	msgs, err := s.cfg.Store.ListMessages(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": msgs})
}

// requestView is a message with its fanout history and operator audit trail.
type requestView struct {
	*persistence.Message
	Fanout []persistence.FanoutRecord       `json:"fanout"`
	Audit  []persistence.OperatorAuditEntry `json:"audit"`
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	msg, err := s.cfg.Store.GetMessage(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, operator.CodeNotFound, "request "+id+" not found")
		return
	}
	view := requestView{Message: msg}
	if view.Fanout, err = s.cfg.Store.ListFanoutExecutions(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if view.Audit, err = s.cfg.Store.ListOperatorAudit(ctx, id, queryLimit(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type actionBody struct {
	Operator          string `json:"operator"`
	Reason            string `json:"reason"`
	NewTarget         string `json:"new_target"`
	CompletionSummary string `json:"completion_summary"`
}

func (s *Server) handleRequestAction(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	op := operatorFrom(r, body.Operator)

	var res operator.ActionResult
	switch chi.URLParam(r, "action") {
	case "reroute":
		res = s.cfg.Operator.ManualReroute(ctx, id, body.NewTarget, op, body.Reason)
	case "cancel":
		res = s.cfg.Operator.Cancel(ctx, id, op, body.Reason)
	case "abort":
		res = s.cfg.Operator.Abort(ctx, id, op, body.Reason)
	case "force-complete":
		res = s.cfg.Operator.ForceComplete(ctx, id, op, body.Reason, body.CompletionSummary)
	case "retry":
		res = s.cfg.Operator.Retry(ctx, id, op, body.Reason)
	default:
		writeError(w, http.StatusNotFound, "unknown_action", "unknown action "+chi.URLParam(r, "action"))
		return
	}
	writeJSON(w, actionStatus(res), res)
}

func actionStatus(res operator.ActionResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Error == operator.CodeValidationError:
		return http.StatusBadRequest
	case res.Error == operator.CodeNotFound:
		return http.StatusNotFound
	case res.Error == operator.CodeAlreadyTerminal, res.Error == operator.CodeNotRerouted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) lifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, lifecycle.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, operator.CodeNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		s.logger.Error("inbox request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lifecycle_error", err.Error())
	}
}
