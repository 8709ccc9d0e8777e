package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type OperatorAction string

const (
	ActionManualReroute    OperatorAction = "manual_reroute"
	ActionCancelRequest    OperatorAction = "cancel_request"
	ActionAbortRequest     OperatorAction = "abort_request"
	ActionControlledReplay OperatorAction = "controlled_replay"
	ActionControlledRetry  OperatorAction = "controlled_retry"
	ActionForceComplete    OperatorAction = "force_complete"
)

func (a OperatorAction) Valid() bool {
	switch a {
	case ActionManualReroute, ActionCancelRequest, ActionAbortRequest,
		ActionControlledReplay, ActionControlledRetry, ActionForceComplete:
		return true
	}
	return false
}

type AuditOutcome string

const (
	OutcomeSuccess  AuditOutcome = "success"
	OutcomeFailed   AuditOutcome = "failed"
	OutcomeRejected AuditOutcome = "rejected"
	OutcomePartial  AuditOutcome = "partial"
)

// OperatorAuditEntry is one row of operator_audit_log (append-only).
type OperatorAuditEntry struct {
	ID               string          `json:"id"`
	ActionType       OperatorAction  `json:"action_type"`
	TargetRequestID  string          `json:"target_request_id"`
	TargetTable      string          `json:"target_table"`
	OperatorIdentity string          `json:"operator_identity"`
	Reason           string          `json:"reason"`
	ActionPayload    json.RawMessage `json:"action_payload"`
	Outcome          AuditOutcome    `json:"outcome"`
	OutcomeDetails   json.RawMessage `json:"outcome_details"`
	PerformedAt      time.Time       `json:"performed_at"`
}

func (s *Store) InsertOperatorAudit(ctx context.Context, e *OperatorAuditEntry) error {
	if e.ID == "" {
		return fmt.Errorf("audit id is required")
	}
	if !e.ActionType.Valid() {
		return fmt.Errorf("invalid operator action %q", e.ActionType)
	}
	if strings.TrimSpace(e.OperatorIdentity) == "" || strings.TrimSpace(e.Reason) == "" {
		return fmt.Errorf("operator identity and reason are required")
	}
	if e.PerformedAt.IsZero() {
		e.PerformedAt = s.Now()
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO operator_audit_log (
				id, action_type, target_request_id, target_table, operator_identity, reason,
				action_payload, outcome, outcome_details, performed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, string(e.ActionType), e.TargetRequestID, e.TargetTable, e.OperatorIdentity, e.Reason,
			jsonOrDefault(e.ActionPayload, "{}"), string(e.Outcome), jsonOrDefault(e.OutcomeDetails, "{}"), e.PerformedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert operator audit: %w", err)
	}
	return nil
}

// ListOperatorAudit returns audit entries newest first, optionally filtered by
// target request id.
func (s *Store) ListOperatorAudit(ctx context.Context, targetRequestID string, limit int) ([]OperatorAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action_type, target_request_id, target_table, operator_identity, reason,
		action_payload, outcome, outcome_details, performed_at FROM operator_audit_log`
	args := []any{}
	if targetRequestID != "" {
		query += ` WHERE target_request_id = ?`
		args = append(args, targetRequestID)
	}
	query += ` ORDER BY performed_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operator audit: %w", err)
	}
	defer rows.Close()

	var out []OperatorAuditEntry
	for rows.Next() {
		var (
			action, outcome  string
			entry            OperatorAuditEntry
			payload, details jsonText
			performed        sqlTime
		)
		if err := rows.Scan(&entry.ID, &action, &entry.TargetRequestID, &entry.TargetTable, &entry.OperatorIdentity,
			&entry.Reason, &payload, &outcome, &details, &performed); err != nil {
			return nil, fmt.Errorf("scan operator audit: %w", err)
		}
		entry.ActionType = OperatorAction(action)
		entry.Outcome = AuditOutcome(outcome)
		entry.ActionPayload = payload.Raw
		entry.OutcomeDetails = details.Raw
		entry.PerformedAt = performed.Time
		out = append(out, entry)
	}
	return out, rows.Err()
}
