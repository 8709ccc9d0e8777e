package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RoutingLogEntry is one row of routing_log. Exactly one is written per Router call.
type RoutingLogEntry struct {
	ID           int64     `json:"id"`
	SourceButler string    `json:"source_butler"`
	TargetButler string    `json:"target_butler"`
	ToolName     string    `json:"tool_name"`
	Success      bool      `json:"success"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) InsertRoutingLog(ctx context.Context, entry RoutingLogEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.Now()
	}
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO routing_log (source_butler, target_butler, tool_name, success, duration_ms, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, entry.SourceButler, entry.TargetButler, entry.ToolName, entry.Success, entry.DurationMs,
			nullableString(entry.Error), entry.CreatedAt.UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert routing log: %w", err)
	}
	return id, nil
}

// ListRoutingLog returns routing entries newest first, optionally filtered by target.
func (s *Store) ListRoutingLog(ctx context.Context, target string, limit int) ([]RoutingLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, source_butler, target_butler, tool_name, success, duration_ms, error, created_at FROM routing_log`
	args := []any{}
	if target != "" {
		query += ` WHERE target_butler = ?`
		args = append(args, target)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routing log: %w", err)
	}
	defer rows.Close()

	var out []RoutingLogEntry
	for rows.Next() {
		var (
			e       RoutingLogEntry
			errText sql.NullString
			created sqlTime
		)
		if err := rows.Scan(&e.ID, &e.SourceButler, &e.TargetButler, &e.ToolName, &e.Success, &e.DurationMs, &errText, &created); err != nil {
			return nil, fmt.Errorf("scan routing log: %w", err)
		}
		e.Error = errText.String
		e.CreatedAt = created.Time
		out = append(out, e)
	}
	return out, rows.Err()
}
