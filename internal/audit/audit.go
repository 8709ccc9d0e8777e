package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

// Entry is one operator action attempt.
type Entry struct {
	Action      persistence.OperatorAction
	RequestID   string
	TargetTable string
	Operator    string
	Reason      string
	Payload     any
	Outcome     persistence.AuditOutcome
	Details     any
}

type line struct {
	ID          string          `json:"id"`
	Timestamp   string          `json:"timestamp"`
	TraceID     string          `json:"trace_id"`
	Action      string          `json:"action"`
	RequestID   string          `json:"request_id"`
	TargetTable string          `json:"target_table"`
	Operator    string          `json:"operator"`
	Reason      string          `json:"reason"`
	Outcome     string          `json:"outcome"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// Recorder writes operator audit entries to operator_audit_log and mirrors
// them to <home>/logs/audit.jsonl. Writes are fail-open: a failed audit write
// is logged and counted but never returned to the caller.
type Recorder struct {
	store  *persistence.Store
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File

	recorded atomic.Int64
	failures atomic.Int64
}

// New opens the JSONL mirror under homeDir. An empty homeDir disables the mirror.
func New(store *persistence.Store, homeDir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{store: store, logger: logger}
	if homeDir == "" {
		return r, nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	r.file = f
	return r, nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Recorded returns the number of entries persisted since startup.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// Failures returns the number of entries that could not be persisted.
func (r *Recorder) Failures() int64 { return r.failures.Load() }

// Record persists e and returns its id, or "" when the database write failed.
func (r *Recorder) Record(ctx context.Context, e Entry) string {
	if r == nil {
		return ""
	}
	if e.TargetTable == "" {
		e.TargetTable = "message_inbox"
	}
	payload := r.encode(e.Payload)
	details := r.encode(e.Details)

	row := &persistence.OperatorAuditEntry{
		ID:               shared.NewID(),
		ActionType:       e.Action,
		TargetRequestID:  e.RequestID,
		TargetTable:      e.TargetTable,
		OperatorIdentity: e.Operator,
		Reason:           shared.Redact(e.Reason),
		ActionPayload:    payload,
		Outcome:          e.Outcome,
		OutcomeDetails:   details,
	}

	id := row.ID
	if r.store != nil {
		if err := r.store.InsertOperatorAudit(ctx, row); err != nil {
			r.failures.Add(1)
			id = ""
			r.logger.Error("operator audit write failed",
				"trace_id", shared.TraceID(ctx),
				"action", string(e.Action),
				"request_id", e.RequestID,
				"error", err,
			)
		} else {
			r.recorded.Add(1)
			r.store.Bus().Publish(bus.TopicOperatorAction, bus.OperatorActionEvent{
				Action:    string(e.Action),
				RequestID: e.RequestID,
				Operator:  e.Operator,
				Outcome:   string(e.Outcome),
			})
		}
	}

	r.mirror(ctx, row)
	return id
}

func (r *Recorder) encode(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("audit payload not encodable", "error", err)
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(shared.Redact(string(b)))
}

func (r *Recorder) mirror(ctx context.Context, row *persistence.OperatorAuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	ts := row.PerformedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	b, err := json.Marshal(line{
		ID:          row.ID,
		Timestamp:   ts.Format(time.RFC3339Nano),
		TraceID:     shared.TraceID(ctx),
		Action:      string(row.ActionType),
		RequestID:   row.TargetRequestID,
		TargetTable: row.TargetTable,
		Operator:    row.OperatorIdentity,
		Reason:      row.Reason,
		Outcome:     string(row.Outcome),
		Details:     row.OutcomeDetails,
	})
	if err != nil {
		return
	}
	_, _ = r.file.Write(append(b, '\n'))
}
