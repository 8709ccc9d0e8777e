package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/switchboard/internal/bus"
)

type LifecycleState string

const (
	StateAccepted   LifecycleState = "accepted"
	StateDecomposed LifecycleState = "decomposed"
	StateDispatched LifecycleState = "dispatched"
	StateCompleted  LifecycleState = "completed"
	StateFailed     LifecycleState = "failed"
	StateRerouted   LifecycleState = "rerouted"
	StateCancelled  LifecycleState = "cancelled"
	StateAborted    LifecycleState = "aborted"
)

// Terminal reports whether final_state_at must be set for this state.
// rerouted is deliberately non-terminal.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateAborted:
		return true
	}
	return false
}

func (s LifecycleState) Valid() bool {
	switch s {
	case StateAccepted, StateDecomposed, StateDispatched, StateCompleted,
		StateFailed, StateRerouted, StateCancelled, StateAborted:
		return true
	}
	return false
}

// Message is one row of message_inbox.
type Message struct {
	ID                  string          `json:"id"`
	ReceivedAt          time.Time       `json:"received_at"`
	RequestContext      json.RawMessage `json:"request_context"`
	RawPayload          json.RawMessage `json:"raw_payload"`
	NormalizedText      string          `json:"normalized_text"`
	DecompositionOutput json.RawMessage `json:"decomposition_output,omitempty"`
	DispatchOutcomes    json.RawMessage `json:"dispatch_outcomes,omitempty"`
	ResponseSummary     string          `json:"response_summary,omitempty"`
	LifecycleState      LifecycleState  `json:"lifecycle_state"`
	ProcessingMetadata  json.RawMessage `json:"processing_metadata"`
	FinalStateAt        *time.Time      `json:"final_state_at,omitempty"`
	TraceID             string          `json:"trace_id,omitempty"`
	SessionID           string          `json:"session_id,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ContextValue decodes one top-level key of request_context into out.
// It reports false when the key is absent.
func (m *Message) ContextValue(key string, out any) (bool, error) {
	if len(m.RequestContext) == 0 {
		return false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.RequestContext, &fields); err != nil {
		return false, fmt.Errorf("decode request_context: %w", err)
	}
	raw, ok := fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode request_context.%s: %w", key, err)
	}
	return true, nil
}

const messageColumns = `id, received_at, request_context, raw_payload, normalized_text,
	decomposition_output, dispatch_outcomes, COALESCE(response_summary, ''), lifecycle_state,
	processing_metadata, final_state_at, COALESCE(trace_id, ''), COALESCE(session_id, ''), updated_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                                     Message
		state                                 string
		received, final, updated              sqlTime
		reqCtx, raw, decomp, outcomes, procMD jsonText
	)
	if err := row.Scan(
		&m.ID, &received, &reqCtx, &raw, &m.NormalizedText,
		&decomp, &outcomes, &m.ResponseSummary, &state,
		&procMD, &final, &m.TraceID, &m.SessionID, &updated,
	); err != nil {
		return nil, err
	}
	m.ReceivedAt = received.Time
	m.RequestContext = reqCtx.Raw
	m.RawPayload = raw.Raw
	m.DecompositionOutput = decomp.Raw
	m.DispatchOutcomes = outcomes.Raw
	m.LifecycleState = LifecycleState(state)
	m.ProcessingMetadata = procMD.Raw
	m.FinalStateAt = final.ptr()
	m.UpdatedAt = updated.Time
	return &m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.LifecycleState == "" {
		m.LifecycleState = StateAccepted
	}
	if !m.LifecycleState.Valid() {
		return fmt.Errorf("invalid lifecycle state %q", m.LifecycleState)
	}
	if m.LifecycleState.Terminal() && m.FinalStateAt == nil {
		t := m.UpdatedAt
		m.FinalStateAt = &t
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO message_inbox (
			id, received_at, request_context, raw_payload, normalized_text,
			decomposition_output, dispatch_outcomes, response_summary, lifecycle_state,
			processing_metadata, final_state_at, trace_id, session_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, m.ID, m.ReceivedAt.UTC(), jsonOrDefault(m.RequestContext, "{}"), jsonOrDefault(m.RawPayload, "{}"), m.NormalizedText,
		nullableJSON(m.DecompositionOutput), nullableJSON(m.DispatchOutcomes), nullableString(m.ResponseSummary), string(m.LifecycleState),
		jsonOrDefault(m.ProcessingMetadata, "{}"), nullableTime(m.FinalStateAt), nullableString(m.TraceID), nullableString(m.SessionID), m.UpdatedAt.UTC())
	return err
}

// InsertMessage writes a new inbox row. ReceivedAt and UpdatedAt default to now.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	now := s.Now()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		return insertMessage(ctx, s.db, m)
	})
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	s.publish(bus.TopicMessageStateChanged, bus.MessageStateChangedEvent{
		RequestID: m.ID,
		NewState:  string(m.LifecycleState),
	})
	return nil
}

// GetMessage returns the inbox row, or (nil, nil) if it does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message_inbox WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	State  LifecycleState
	Before time.Time
	Limit  int
}

// ListMessages returns inbox rows newest first by received_at.
func (s *Store) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, `lifecycle_state = ?`)
		args = append(args, string(filter.State))
	}
	if !filter.Before.IsZero() {
		where = append(where, `received_at < ?`)
		args = append(args, filter.Before.UTC())
	}
	query := `SELECT ` + messageColumns + ` FROM message_inbox`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MessageTransition is a guarded lifecycle update applied in one statement.
type MessageTransition struct {
	To LifecycleState
	// From lists the allowed source states. NotFrom lists disallowed source
	// states. At most one may be set; neither means any state.
	From    []LifecycleState
	NotFrom []LifecycleState

	DecompositionOutput json.RawMessage
	DispatchOutcomes    json.RawMessage
	ResponseSummary     *string
	// ContextPatch sets top-level request_context keys.
	ContextPatch map[string]any
	// PreviousTargetsKey, when non-empty, copies dispatch_outcomes.targets into
	// request_context.<key>.previous_targets within the same statement. The key
	// must also be present in ContextPatch as an object.
	PreviousTargetsKey string
	MetadataPatch      map[string]any
}

// TransitionResult carries the updated row and the state it left.
type TransitionResult struct {
	Message       *Message
	PreviousState LifecycleState
}

// TransitionMessage applies t atomically: guard and mutation are one
// UPDATE ... WHERE ... RETURNING statement. It returns (nil, nil) when the row
// is missing or the guard rejects the current state; callers re-read to tell
// the two apart. final_state_at is set for terminal targets and cleared
// otherwise.
func (s *Store) TransitionMessage(ctx context.Context, id string, t MessageTransition) (*TransitionResult, error) {
	if !t.To.Valid() {
		return nil, fmt.Errorf("transition message: invalid target state %q", t.To)
	}
	if len(t.From) > 0 && len(t.NotFrom) > 0 {
		return nil, fmt.Errorf("transition message: From and NotFrom are mutually exclusive")
	}

	now := s.Now()
	var (
		sets []string
		args []any
	)
	// processing_metadata is evaluated against the pre-update row, so
	// $.previous_state captures the state being left.
	metaExpr := `json_set(processing_metadata, '$.previous_state', lifecycle_state, '$.transitioned_at', ?)`
	metaArgs := []any{now.Format(time.RFC3339Nano)}
	for _, key := range sortedKeys(t.MetadataPatch) {
		encoded, err := json.Marshal(t.MetadataPatch[key])
		if err != nil {
			return nil, fmt.Errorf("encode metadata %s: %w", key, err)
		}
		metaExpr = fmt.Sprintf(`json_set(%s, '$.%s', json(?))`, metaExpr, key)
		metaArgs = append(metaArgs, string(encoded))
	}
	sets = append(sets, `processing_metadata = `+metaExpr)
	args = append(args, metaArgs...)

	sets = append(sets, `lifecycle_state = ?`, `updated_at = ?`)
	args = append(args, string(t.To), now)
	if t.To.Terminal() {
		sets = append(sets, `final_state_at = ?`)
		args = append(args, now)
	} else {
		sets = append(sets, `final_state_at = NULL`)
	}
	if len(t.DecompositionOutput) > 0 {
		sets = append(sets, `decomposition_output = ?`)
		args = append(args, string(t.DecompositionOutput))
	}
	if len(t.DispatchOutcomes) > 0 {
		sets = append(sets, `dispatch_outcomes = ?`)
		args = append(args, string(t.DispatchOutcomes))
	}
	if t.ResponseSummary != nil {
		sets = append(sets, `response_summary = ?`)
		args = append(args, *t.ResponseSummary)
	}
	if len(t.ContextPatch) > 0 {
		expr := `request_context`
		for _, key := range sortedKeys(t.ContextPatch) {
			encoded, err := json.Marshal(t.ContextPatch[key])
			if err != nil {
				return nil, fmt.Errorf("encode request_context.%s: %w", key, err)
			}
			expr = fmt.Sprintf(`json_set(%s, '$.%s', json(?))`, expr, key)
			args = append(args, string(encoded))
		}
		if t.PreviousTargetsKey != "" {
			expr = fmt.Sprintf(`json_set(%s, '$.%s.previous_targets', json(COALESCE(json_extract(dispatch_outcomes, '$.targets'), '[]')))`, expr, t.PreviousTargetsKey)
		}
		sets = append(sets, `request_context = `+expr)
	}

	query := `UPDATE message_inbox SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	switch {
	case len(t.From) > 0:
		query += ` AND lifecycle_state IN (` + placeholders(len(t.From)) + `)`
		for _, st := range t.From {
			args = append(args, string(st))
		}
	case len(t.NotFrom) > 0:
		query += ` AND lifecycle_state NOT IN (` + placeholders(len(t.NotFrom)) + `)`
		for _, st := range t.NotFrom {
			args = append(args, string(st))
		}
	}
	query += ` RETURNING ` + messageColumns + `;`

	var msg *Message
	err := retryOnBusy(ctx, busyRetries, func() error {
		m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				msg = nil
				return nil
			}
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition message %s to %s: %w", id, t.To, err)
	}
	if msg == nil {
		return nil, nil
	}

	var meta struct {
		PreviousState string `json:"previous_state"`
	}
	_ = json.Unmarshal(msg.ProcessingMetadata, &meta)
	res := &TransitionResult{Message: msg, PreviousState: LifecycleState(meta.PreviousState)}
	s.publish(bus.TopicMessageStateChanged, bus.MessageStateChangedEvent{
		RequestID: id,
		OldState:  meta.PreviousState,
		NewState:  string(t.To),
	})
	return res, nil
}
