package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/switchboard/internal/bus"
)

type FailureCategory string

const (
	CategoryTimeout           FailureCategory = "timeout"
	CategoryRetryExhausted    FailureCategory = "retry_exhausted"
	CategoryCircuitOpen       FailureCategory = "circuit_open"
	CategoryPolicyViolation   FailureCategory = "policy_violation"
	CategoryValidationError   FailureCategory = "validation_error"
	CategoryDownstreamFailure FailureCategory = "downstream_failure"
	CategoryUnknown           FailureCategory = "unknown"
)

func (c FailureCategory) Valid() bool {
	switch c {
	case CategoryTimeout, CategoryRetryExhausted, CategoryCircuitOpen, CategoryPolicyViolation,
		CategoryValidationError, CategoryDownstreamFailure, CategoryUnknown:
		return true
	}
	return false
}

type ReplayOutcome string

const (
	ReplaySuccess  ReplayOutcome = "success"
	ReplayFailed   ReplayOutcome = "failed"
	ReplayRejected ReplayOutcome = "rejected"
)

// ErrReplayNotClaimed is returned by ClaimDeadLetterReplay when the entry is
// missing, ineligible, or already replayed at the time of the claim.
var ErrReplayNotClaimed = errors.New("dead letter replay not claimed")

// DeadLetterEntry is one row of dead_letter_queue.
type DeadLetterEntry struct {
	ID                string          `json:"id"`
	OriginalRequestID string          `json:"original_request_id"`
	SourceTable       string          `json:"source_table"`
	FailureReason     string          `json:"failure_reason"`
	FailureCategory   FailureCategory `json:"failure_category"`
	RetryCount        int             `json:"retry_count"`
	LastRetryAt       *time.Time      `json:"last_retry_at,omitempty"`
	OriginalPayload   json.RawMessage `json:"original_payload"`
	RequestContext    json.RawMessage `json:"request_context"`
	ErrorDetails      json.RawMessage `json:"error_details"`
	ReplayEligible    bool            `json:"replay_eligible"`
	ReplayedAt        *time.Time      `json:"replayed_at,omitempty"`
	ReplayedRequestID string          `json:"replayed_request_id,omitempty"`
	ReplayOutcome     ReplayOutcome   `json:"replay_outcome,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

const deadLetterColumns = `id, original_request_id, source_table, failure_reason, failure_category,
	retry_count, last_retry_at, original_payload, request_context, error_details, replay_eligible,
	replayed_at, COALESCE(replayed_request_id, ''), COALESCE(replay_outcome, ''), created_at`

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var (
		e                           DeadLetterEntry
		category, outcome           string
		lastRetry, replayed, create sqlTime
		payload, reqCtx, details    jsonText
	)
	if err := row.Scan(&e.ID, &e.OriginalRequestID, &e.SourceTable, &e.FailureReason, &category,
		&e.RetryCount, &lastRetry, &payload, &reqCtx, &details, &e.ReplayEligible,
		&replayed, &e.ReplayedRequestID, &outcome, &create); err != nil {
		return nil, err
	}
	e.FailureCategory = FailureCategory(category)
	e.ReplayOutcome = ReplayOutcome(outcome)
	e.LastRetryAt = lastRetry.ptr()
	e.ReplayedAt = replayed.ptr()
	e.CreatedAt = create.Time
	e.OriginalPayload = payload.Raw
	e.RequestContext = reqCtx.Raw
	e.ErrorDetails = details.Raw
	return &e, nil
}

// InsertDeadLetter is a pure insert. The failure category is validated here
// and again by the table CHECK constraint.
func (s *Store) InsertDeadLetter(ctx context.Context, e *DeadLetterEntry) error {
	if e.ID == "" {
		return fmt.Errorf("dead letter id is required")
	}
	if e.OriginalRequestID == "" {
		return fmt.Errorf("dead letter original_request_id is required")
	}
	if !e.FailureCategory.Valid() {
		return fmt.Errorf("invalid failure category %q", e.FailureCategory)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("retry_count must be >= 0, got %d", e.RetryCount)
	}
	if e.SourceTable == "" {
		e.SourceTable = "message_inbox"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.Now()
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO dead_letter_queue (
				id, original_request_id, source_table, failure_reason, failure_category,
				retry_count, last_retry_at, original_payload, request_context, error_details,
				replay_eligible, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.OriginalRequestID, e.SourceTable, e.FailureReason, string(e.FailureCategory),
			e.RetryCount, nullableTime(e.LastRetryAt), jsonOrDefault(e.OriginalPayload, "{}"),
			jsonOrDefault(e.RequestContext, "{}"), jsonOrDefault(e.ErrorDetails, "{}"),
			e.ReplayEligible, e.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter returns the entry, or (nil, nil) if it does not exist.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error) {
	e, err := scanDeadLetter(s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letter_queue WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return e, nil
}

// ListReplayEligible returns entries with replay_eligible=1 and replayed_at
// unset, newest first. An empty category matches every category.
func (s *Store) ListReplayEligible(ctx context.Context, limit int, category FailureCategory) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue
		WHERE replay_eligible = 1 AND replayed_at IS NULL`
	args := []any{}
	if category != "" {
		query += ` AND failure_category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list replay eligible: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ClaimDeadLetterReplay claims the entry and inserts the replayed message in
// one transaction. The claim is an UPDATE guarded by replayed_at IS NULL AND
// replay_eligible=1; a zero-row claim returns ErrReplayNotClaimed and writes
// nothing. Any error rolls back both the claim and the insert.
func (s *Store) ClaimDeadLetterReplay(ctx context.Context, deadLetterID string, msg *Message) (*DeadLetterEntry, error) {
	var claimed *DeadLetterEntry
	err := retryOnBusy(ctx, busyRetries, func() error {
		claimed = nil
		now := s.Now()
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = now
		}
		if msg.UpdatedAt.IsZero() {
			msg.UpdatedAt = now
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replay tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		e, err := scanDeadLetter(tx.QueryRowContext(ctx, `
			UPDATE dead_letter_queue
			SET replayed_at = ?, replayed_request_id = ?, replay_outcome = 'success'
			WHERE id = ? AND replayed_at IS NULL AND replay_eligible = 1
			RETURNING `+deadLetterColumns+`;
		`, now, msg.ID, deadLetterID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReplayNotClaimed
		}
		if err != nil {
			return fmt.Errorf("claim dead letter %s: %w", deadLetterID, err)
		}
		if err := insertMessage(ctx, tx, msg); err != nil {
			return fmt.Errorf("insert replayed message %s: %w", msg.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit replay tx: %w", err)
		}
		claimed = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicMessageStateChanged, bus.MessageStateChangedEvent{
		RequestID: msg.ID,
		NewState:  string(msg.LifecycleState),
	})
	return claimed, nil
}

// MarkReplayFailed records a failed replay attempt. replayed_at stays NULL so
// a later attempt can still succeed.
func (s *Store) MarkReplayFailed(ctx context.Context, deadLetterID string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE dead_letter_queue SET replay_outcome = 'failed'
			WHERE id = ? AND replayed_at IS NULL;
		`, deadLetterID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark replay failed %s: %w", deadLetterID, err)
	}
	return nil
}
