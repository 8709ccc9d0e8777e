package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/switchboard/internal/bus"
)

type EligibilityState string

const (
	EligibilityActive      EligibilityState = "active"
	EligibilityStale       EligibilityState = "stale"
	EligibilityQuarantined EligibilityState = "quarantined"
)

// Eligibility transition reasons.
const (
	ReasonTTLExpired      = "ttl_expired"
	ReasonHealthRestored  = "health_restored"
	ReasonPolicyViolation = "policy_violation"
	ReasonManualHold      = "manual_hold"
	ReasonManualRelease   = "manual_release"
)

const DefaultLivenessTTLSeconds = 300

// ButlerRegistration is the input to RegisterButler.
type ButlerRegistration struct {
	Name               string
	EndpointURL        string
	Description        string
	Modules            []string
	Capabilities       []string
	RouteContractMin   int
	RouteContractMax   int
	LivenessTTLSeconds int
}

// ButlerRecord is one row of butler_registry.
type ButlerRecord struct {
	Name                 string           `json:"name"`
	EndpointURL          string           `json:"endpoint_url"`
	Description          string           `json:"description"`
	Modules              []string         `json:"modules"`
	Capabilities         []string         `json:"capabilities"`
	LastSeenAt           *time.Time       `json:"last_seen_at,omitempty"`
	EligibilityState     EligibilityState `json:"eligibility_state"`
	LivenessTTLSeconds   int              `json:"liveness_ttl_seconds"`
	QuarantinedAt        *time.Time       `json:"quarantined_at,omitempty"`
	QuarantineReason     string           `json:"quarantine_reason,omitempty"`
	RouteContractMin     int              `json:"route_contract_min"`
	RouteContractMax     int              `json:"route_contract_max"`
	EligibilityUpdatedAt *time.Time       `json:"eligibility_updated_at,omitempty"`
	RegisteredAt         time.Time        `json:"registered_at"`
}

// TTL returns the liveness TTL as a duration.
func (b *ButlerRecord) TTL() time.Duration {
	return time.Duration(b.LivenessTTLSeconds) * time.Second
}

// SinceLastSeen reports how long ago the butler was last seen. A butler that
// was never seen reports ok=false.
func (b *ButlerRecord) SinceLastSeen(now time.Time) (time.Duration, bool) {
	if b.LastSeenAt == nil {
		return 0, false
	}
	return now.Sub(*b.LastSeenAt), true
}

// IsStale is the read-time liveness projection: now - last_seen_at > ttl.
// It never reflects or changes the persisted eligibility_state.
func (b *ButlerRecord) IsStale(now time.Time) bool {
	age, ok := b.SinceLastSeen(now)
	if !ok {
		return true
	}
	return age > b.TTL()
}

// Routable reports whether the butler is active and not projected stale.
func (b *ButlerRecord) Routable(now time.Time) bool {
	return b.EligibilityState == EligibilityActive && !b.IsStale(now)
}

// EligibilityTransition is one row of butler_registry_eligibility_log.
type EligibilityTransition struct {
	ID                 int64            `json:"id"`
	ButlerName         string           `json:"butler_name"`
	PreviousState      EligibilityState `json:"previous_state"`
	NewState           EligibilityState `json:"new_state"`
	Reason             string           `json:"reason"`
	PreviousLastSeenAt *time.Time       `json:"previous_last_seen_at,omitempty"`
	NewLastSeenAt      *time.Time       `json:"new_last_seen_at,omitempty"`
	ObservedAt         time.Time        `json:"observed_at"`
}

const butlerColumns = `name, endpoint_url, description, modules, capabilities, last_seen_at,
	eligibility_state, liveness_ttl_seconds, quarantined_at, COALESCE(quarantine_reason, ''),
	route_contract_min, route_contract_max, eligibility_updated_at, registered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanButler(row rowScanner) (*ButlerRecord, error) {
	var (
		rec                                         ButlerRecord
		state                                       string
		modules, capabilities                       jsonText
		lastSeen, quarantinedAt, eligibilityUpdated sqlTime
		registeredAt                                sqlTime
	)
	if err := row.Scan(
		&rec.Name, &rec.EndpointURL, &rec.Description, &modules, &capabilities, &lastSeen,
		&state, &rec.LivenessTTLSeconds, &quarantinedAt, &rec.QuarantineReason,
		&rec.RouteContractMin, &rec.RouteContractMax, &eligibilityUpdated, &registeredAt,
	); err != nil {
		return nil, err
	}
	rec.EligibilityState = EligibilityState(state)
	rec.Modules = decodeStrings(modules.Raw)
	rec.Capabilities = decodeStrings(capabilities.Raw)
	rec.LastSeenAt = lastSeen.ptr()
	rec.QuarantinedAt = quarantinedAt.ptr()
	rec.EligibilityUpdatedAt = eligibilityUpdated.ptr()
	rec.RegisteredAt = registeredAt.Time
	return &rec, nil
}

func normalizeRegistration(reg *ButlerRegistration) error {
	if reg.Name == "" {
		return fmt.Errorf("butler name is required")
	}
	if reg.EndpointURL == "" {
		return fmt.Errorf("butler %s: endpoint_url is required", reg.Name)
	}
	if reg.RouteContractMin <= 0 {
		reg.RouteContractMin = 1
	}
	if reg.RouteContractMax <= 0 {
		reg.RouteContractMax = 1
	}
	if reg.RouteContractMax < reg.RouteContractMin {
		return fmt.Errorf("butler %s: route_contract_max %d < route_contract_min %d", reg.Name, reg.RouteContractMax, reg.RouteContractMin)
	}
	if reg.LivenessTTLSeconds <= 0 {
		reg.LivenessTTLSeconds = DefaultLivenessTTLSeconds
	}
	return nil
}

// RegisterButler upserts a registration and refreshes last_seen_at. A stale
// butler is recovered to active (health_restored); a quarantined butler stays
// quarantined. The returned transition is nil when eligibility did not change.
func (s *Store) RegisterButler(ctx context.Context, reg ButlerRegistration) (*ButlerRecord, *EligibilityTransition, error) {
	if err := normalizeRegistration(&reg); err != nil {
		return nil, nil, err
	}
	modules, err := encodeStrings(reg.Modules)
	if err != nil {
		return nil, nil, fmt.Errorf("encode modules: %w", err)
	}
	capabilities, err := encodeStrings(reg.Capabilities)
	if err != nil {
		return nil, nil, fmt.Errorf("encode capabilities: %w", err)
	}

	var (
		rec        *ButlerRecord
		transition *EligibilityTransition
	)
	err = retryOnBusy(ctx, busyRetries, func() error {
		rec, transition = nil, nil
		now := s.Now()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin register tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		prev, err := scanButler(tx.QueryRowContext(ctx, `SELECT `+butlerColumns+` FROM butler_registry WHERE name = ?;`, reg.Name))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read butler %s: %w", reg.Name, err)
		}

		if prev == nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO butler_registry (
					name, endpoint_url, description, modules, capabilities, last_seen_at,
					eligibility_state, liveness_ttl_seconds, route_contract_min, route_contract_max,
					eligibility_updated_at, registered_at
				) VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?, ?);
			`, reg.Name, reg.EndpointURL, reg.Description, modules, capabilities, now,
				reg.LivenessTTLSeconds, reg.RouteContractMin, reg.RouteContractMax, now, now); err != nil {
				return fmt.Errorf("insert butler %s: %w", reg.Name, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE butler_registry
				SET endpoint_url = ?, description = ?, modules = ?, capabilities = ?,
					liveness_ttl_seconds = ?, route_contract_min = ?, route_contract_max = ?,
					last_seen_at = ?,
					eligibility_updated_at = CASE WHEN eligibility_state = 'stale' THEN ? ELSE eligibility_updated_at END,
					eligibility_state = CASE WHEN eligibility_state = 'stale' THEN 'active' ELSE eligibility_state END
				WHERE name = ?;
			`, reg.EndpointURL, reg.Description, modules, capabilities,
				reg.LivenessTTLSeconds, reg.RouteContractMin, reg.RouteContractMax,
				now, now, reg.Name); err != nil {
				return fmt.Errorf("update butler %s: %w", reg.Name, err)
			}
			if prev.EligibilityState == EligibilityStale {
				transition = &EligibilityTransition{
					ButlerName:         reg.Name,
					PreviousState:      EligibilityStale,
					NewState:           EligibilityActive,
					Reason:             ReasonHealthRestored,
					PreviousLastSeenAt: prev.LastSeenAt,
					NewLastSeenAt:      &now,
					ObservedAt:         now,
				}
				if err := insertTransition(ctx, tx, transition); err != nil {
					return err
				}
			}
		}

		rec, err = scanButler(tx.QueryRowContext(ctx, `SELECT `+butlerColumns+` FROM butler_registry WHERE name = ?;`, reg.Name))
		if err != nil {
			return fmt.Errorf("reload butler %s: %w", reg.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit register tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.publish(bus.TopicButlerRegistered, bus.ButlerRegisteredEvent{
		ButlerName:  rec.Name,
		EndpointURL: rec.EndpointURL,
		State:       string(rec.EligibilityState),
	})
	if transition != nil {
		s.publishTransition(transition)
	}
	return rec, transition, nil
}

// GetButler returns the registration for name, or (nil, nil) if it does not exist.
func (s *Store) GetButler(ctx context.Context, name string) (*ButlerRecord, error) {
	rec, err := scanButler(s.db.QueryRowContext(ctx, `SELECT `+butlerColumns+` FROM butler_registry WHERE name = ?;`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get butler %s: %w", name, err)
	}
	return rec, nil
}

// ListButlers returns every registration ordered by name.
func (s *Store) ListButlers(ctx context.Context) ([]ButlerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+butlerColumns+` FROM butler_registry ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list butlers: %w", err)
	}
	defer rows.Close()

	var out []ButlerRecord
	for rows.Next() {
		rec, err := scanButler(rows)
		if err != nil {
			return nil, fmt.Errorf("scan butler: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// TouchButler sets last_seen_at=now without touching eligibility. It reports
// false when the butler does not exist.
func (s *Store) TouchButler(ctx context.Context, name string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE butler_registry SET last_seen_at = ? WHERE name = ?;`, s.Now(), name)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("touch butler %s: %w", name, err)
	}
	return affected > 0, nil
}

// RecoverStaleButler performs the heartbeat stale->active recovery. The update
// is guarded by eligibility_state='stale' so a concurrent quarantine is never
// overwritten; it returns (nil, nil) when the guard matched zero rows.
func (s *Store) RecoverStaleButler(ctx context.Context, name string) (*EligibilityTransition, error) {
	var transition *EligibilityTransition
	err := retryOnBusy(ctx, busyRetries, func() error {
		transition = nil
		now := s.Now()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var prevSeen sqlTime
		err = tx.QueryRowContext(ctx, `SELECT last_seen_at FROM butler_registry WHERE name = ?;`, name).Scan(&prevSeen)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read last_seen_at: %w", err)
		}

		var updated string
		err = tx.QueryRowContext(ctx, `
			UPDATE butler_registry
			SET eligibility_state = 'active', last_seen_at = ?, eligibility_updated_at = ?
			WHERE name = ? AND eligibility_state = 'stale'
			RETURNING name;
		`, now, now, name).Scan(&updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover butler %s: %w", name, err)
		}

		t := &EligibilityTransition{
			ButlerName:         name,
			PreviousState:      EligibilityStale,
			NewState:           EligibilityActive,
			Reason:             ReasonHealthRestored,
			PreviousLastSeenAt: prevSeen.ptr(),
			NewLastSeenAt:      &now,
			ObservedAt:         now,
		}
		if err := insertTransition(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recover tx: %w", err)
		}
		transition = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transition != nil {
		s.publishTransition(transition)
	}
	return transition, nil
}

// EligibilityChange describes an administrative eligibility transition.
type EligibilityChange struct {
	From   []EligibilityState
	To     EligibilityState
	Reason string
	// Detail is stored as quarantine_reason when To is quarantined.
	Detail string
}

// SetEligibility applies an administrative transition guarded by the allowed
// source states. It returns (nil, nil) when the butler is missing or its
// current state is not in From.
func (s *Store) SetEligibility(ctx context.Context, name string, change EligibilityChange) (*EligibilityTransition, error) {
	if len(change.From) == 0 {
		return nil, fmt.Errorf("set eligibility: at least one source state is required")
	}
	if change.Reason == "" {
		return nil, fmt.Errorf("set eligibility: reason is required")
	}

	var transition *EligibilityTransition
	err := retryOnBusy(ctx, busyRetries, func() error {
		transition = nil
		now := s.Now()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin eligibility tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		prev, err := scanButler(tx.QueryRowContext(ctx, `SELECT `+butlerColumns+` FROM butler_registry WHERE name = ?;`, name))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read butler %s: %w", name, err)
		}

		args := []any{string(change.To), now}
		set := `eligibility_state = ?, eligibility_updated_at = ?`
		switch change.To {
		case EligibilityQuarantined:
			detail := change.Detail
			if detail == "" {
				detail = change.Reason
			}
			set += `, quarantined_at = ?, quarantine_reason = ?`
			args = append(args, now, detail)
		case EligibilityActive:
			set += `, quarantined_at = NULL, quarantine_reason = NULL`
		}
		args = append(args, name)
		for _, st := range change.From {
			args = append(args, string(st))
		}

		res, err := tx.ExecContext(ctx, `UPDATE butler_registry SET `+set+`
			WHERE name = ? AND eligibility_state IN (`+placeholders(len(change.From))+`);`, args...)
		if err != nil {
			return fmt.Errorf("update eligibility %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		t := &EligibilityTransition{
			ButlerName:         name,
			PreviousState:      prev.EligibilityState,
			NewState:           change.To,
			Reason:             change.Reason,
			PreviousLastSeenAt: prev.LastSeenAt,
			NewLastSeenAt:      prev.LastSeenAt,
			ObservedAt:         now,
		}
		if err := insertTransition(ctx, tx, t); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit eligibility tx: %w", err)
		}
		transition = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transition != nil {
		s.publishTransition(transition)
	}
	return transition, nil
}

// ListTransitions returns the eligibility audit trail for a butler, newest first.
// An empty name lists transitions for every butler.
func (s *Store) ListTransitions(ctx context.Context, name string, limit int) ([]EligibilityTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, butler_name, previous_state, new_state, reason, previous_last_seen_at, new_last_seen_at, observed_at
		FROM butler_registry_eligibility_log`
	args := []any{}
	if name != "" {
		query += ` WHERE butler_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []EligibilityTransition
	for rows.Next() {
		var (
			t                 EligibilityTransition
			prevState, next   string
			prevSeen, newSeen sqlTime
			observed          sqlTime
		)
		if err := rows.Scan(&t.ID, &t.ButlerName, &prevState, &next, &t.Reason, &prevSeen, &newSeen, &observed); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.PreviousState = EligibilityState(prevState)
		t.NewState = EligibilityState(next)
		t.PreviousLastSeenAt = prevSeen.ptr()
		t.NewLastSeenAt = newSeen.ptr()
		t.ObservedAt = observed.Time
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTransition(ctx context.Context, tx *sql.Tx, t *EligibilityTransition) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO butler_registry_eligibility_log (
			butler_name, previous_state, new_state, reason, previous_last_seen_at, new_last_seen_at, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?);
	`, t.ButlerName, string(t.PreviousState), string(t.NewState), t.Reason,
		nullableTime(t.PreviousLastSeenAt), nullableTime(t.NewLastSeenAt), t.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert eligibility transition: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) publishTransition(t *EligibilityTransition) {
	s.publish(bus.TopicButlerEligibilityChanged, bus.EligibilityChangedEvent{
		ButlerName:    t.ButlerName,
		PreviousState: string(t.PreviousState),
		NewState:      string(t.NewState),
		Reason:        t.Reason,
		ObservedAt:    t.ObservedAt,
	})
}

// BackdateLastSeen shifts last_seen_at into the past. Used by liveness tooling
// and tests that need a butler to project as stale.
func (s *Store) BackdateLastSeen(ctx context.Context, name string, by time.Duration) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE butler_registry SET last_seen_at = ? WHERE name = ?;`, s.Now().Add(-by), name)
		if err != nil {
			return fmt.Errorf("backdate last_seen_at %s: %w", name, err)
		}
		return nil
	})
}
