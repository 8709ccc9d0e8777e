package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FanoutRecord is one row of fanout_execution_log. Rows are immutable: the
// schema blocks UPDATE and DELETE.
type FanoutRecord struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id,omitempty"`
	SourceChannel    string          `json:"source_channel"`
	SourceID         string          `json:"source_id"`
	ToolName         string          `json:"tool_name"`
	FanoutMode       string          `json:"fanout_mode"`
	JoinPolicy       string          `json:"join_policy"`
	AbortPolicy      string          `json:"abort_policy"`
	Attempt          int             `json:"attempt"`
	Success          bool            `json:"success"`
	PlanPayload      json.RawMessage `json:"plan_payload"`
	ExecutionPayload json.RawMessage `json:"execution_payload"`
	CreatedAt        time.Time       `json:"created_at"`
}

const fanoutColumns = `id, COALESCE(request_id, ''), source_channel, source_id, tool_name, fanout_mode,
	join_policy, abort_policy, attempt, success, plan_payload, execution_payload, created_at`

func scanFanout(row rowScanner) (*FanoutRecord, error) {
	var (
		r             FanoutRecord
		plan, payload jsonText
		created       sqlTime
	)
	if err := row.Scan(&r.ID, &r.RequestID, &r.SourceChannel, &r.SourceID, &r.ToolName, &r.FanoutMode,
		&r.JoinPolicy, &r.AbortPolicy, &r.Attempt, &r.Success, &plan, &payload, &created); err != nil {
		return nil, err
	}
	r.PlanPayload = plan.Raw
	r.ExecutionPayload = payload.Raw
	r.CreatedAt = created.Time
	return &r, nil
}

func (s *Store) InsertFanoutExecution(ctx context.Context, r *FanoutRecord) error {
	if r.ID == "" {
		return fmt.Errorf("fanout execution id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.Now()
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO fanout_execution_log (
				id, request_id, source_channel, source_id, tool_name, fanout_mode, join_policy,
				abort_policy, attempt, success, plan_payload, execution_payload, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.ID, nullableString(r.RequestID), r.SourceChannel, r.SourceID, r.ToolName, r.FanoutMode, r.JoinPolicy,
			r.AbortPolicy, r.Attempt, r.Success, jsonOrDefault(r.PlanPayload, "{}"), jsonOrDefault(r.ExecutionPayload, "{}"), r.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert fanout execution %s: %w", r.ID, err)
	}
	return nil
}

// GetFanoutExecution returns the row, or (nil, nil) if it does not exist.
func (s *Store) GetFanoutExecution(ctx context.Context, id string) (*FanoutRecord, error) {
	r, err := scanFanout(s.db.QueryRowContext(ctx, `SELECT `+fanoutColumns+` FROM fanout_execution_log WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fanout execution %s: %w", id, err)
	}
	return r, nil
}

// ListFanoutExecutions returns every execution recorded for a request, oldest first.
func (s *Store) ListFanoutExecutions(ctx context.Context, requestID string) ([]FanoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fanoutColumns+` FROM fanout_execution_log
		WHERE request_id = ? ORDER BY attempt ASC, created_at ASC;`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list fanout executions: %w", err)
	}
	defer rows.Close()

	var out []FanoutRecord
	for rows.Next() {
		r, err := scanFanout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fanout execution: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
