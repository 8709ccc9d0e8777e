// Package registry owns butler registration, liveness heartbeats and the
// eligibility state machine (active, stale, quarantined).
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

var (
	// ErrButlerNotFound means the name is neither registered nor declared in the roster.
	ErrButlerNotFound = errors.New("butler_not_found")
	// ErrEligibilityConflict means the butler is not in a state the transition accepts.
	ErrEligibilityConflict = errors.New("eligibility_conflict")
)

// Registration is the input to Register.
type Registration = persistence.ButlerRegistration

type Options struct {
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	RosterDir string
	// DefaultTTLSeconds applies to registrations that leave the TTL unset.
	DefaultTTLSeconds int
}

type Registry struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	ttl     int

	mu        sync.RWMutex
	rosterDir string
}

func New(store *persistence.Store, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		logger:    logger,
		metrics:   opts.Metrics,
		rosterDir: opts.RosterDir,
		ttl:       opts.DefaultTTLSeconds,
	}
}

// SetRosterDir changes the directory used for heartbeat auto-registration.
func (r *Registry) SetRosterDir(dir string) {
	r.mu.Lock()
	r.rosterDir = dir
	r.mu.Unlock()
}

func (r *Registry) RosterDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterDir
}

// Register upserts a butler. Re-registering a stale butler recovers it to active.
func (r *Registry) Register(ctx context.Context, reg Registration) (*persistence.ButlerRecord, error) {
	if reg.LivenessTTLSeconds <= 0 && r.ttl > 0 {
		reg.LivenessTTLSeconds = r.ttl
	}
	rec, transition, err := r.store.RegisterButler(ctx, reg)
	if err != nil {
		return nil, err
	}
	if transition != nil {
		r.observe(ctx, transition)
	}
	r.logger.Info("butler registered", "butler", rec.Name, "endpoint", shared.RedactURL(rec.EndpointURL), "state", rec.EligibilityState)
	return rec, nil
}

// Get returns the butler or ErrButlerNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*persistence.ButlerRecord, error) {
	rec, err := r.store.GetButler(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return rec, nil
}

// List returns butlers ordered by name. With routableOnly it drops every
// butler that is not active or whose last heartbeat is older than its TTL.
func (r *Registry) List(ctx context.Context, routableOnly bool) ([]persistence.ButlerRecord, error) {
	all, err := r.store.ListButlers(ctx)
	if err != nil {
		return nil, err
	}
	if !routableOnly {
		return all, nil
	}
	now := r.store.Now()
	out := make([]persistence.ButlerRecord, 0, len(all))
	for _, rec := range all {
		if rec.Routable(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Status is a butler with its liveness projection at a point in time.
type Status struct {
	persistence.ButlerRecord
	Stale    bool `json:"stale"`
	Routable bool `json:"routable"`
	// LastSeenAgeSeconds is -1 for a butler that was never seen.
	LastSeenAgeSeconds float64 `json:"last_seen_age_seconds"`
}

// Snapshot projects liveness for every registered butler without writing anything.
func (r *Registry) Snapshot(ctx context.Context) ([]Status, time.Time, error) {
	all, err := r.store.ListButlers(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	now := r.store.Now()
	out := make([]Status, 0, len(all))
	for _, rec := range all {
		age := -1.0
		if d, ok := rec.SinceLastSeen(now); ok {
			age = d.Seconds()
		}
		out = append(out, Status{
			ButlerRecord:       rec,
			Stale:              rec.IsStale(now),
			Routable:           rec.Routable(now),
			LastSeenAgeSeconds: age,
		})
	}
	return out, now, nil
}

// HeartbeatResult describes what a heartbeat changed.
type HeartbeatResult struct {
	Name           string                       `json:"name"`
	State          persistence.EligibilityState `json:"eligibility_state"`
	Recovered      bool                         `json:"recovered"`
	AutoRegistered bool                         `json:"auto_registered"`
}

// Heartbeat refreshes last_seen_at. A persisted-stale butler is recovered to
// active through a guarded update; a concurrent quarantine wins and the
// heartbeat then only refreshes last_seen_at. Unknown names are registered
// from the roster when a declaration exists.
func (r *Registry) Heartbeat(ctx context.Context, name string) (*HeartbeatResult, error) {
	rec, err := r.store.GetButler(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return r.autoRegister(ctx, name)
	}

	if rec.EligibilityState == persistence.EligibilityStale {
		transition, err := r.store.RecoverStaleButler(ctx, name)
		if err != nil {
			return nil, err
		}
		if transition != nil {
			r.observe(ctx, transition)
			r.logger.Info("butler recovered by heartbeat", "butler", name)
			return &HeartbeatResult{Name: name, State: persistence.EligibilityActive, Recovered: true}, nil
		}
		// Guard missed: someone moved the butler out of stale in between.
		r.logger.Debug("stale recovery guard missed; refreshing last_seen_at only", "butler", name)
	}

	ok, err := r.store.TouchButler(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	current, err := r.store.GetButler(ctx, name)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return &HeartbeatResult{Name: name, State: current.EligibilityState}, nil
}

func (r *Registry) autoRegister(ctx context.Context, name string) (*HeartbeatResult, error) {
	dir := r.RosterDir()
	if dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	decl, err := FindDeclaration(dir, name, r.logger)
	if err != nil {
		r.logger.Warn("heartbeat auto-registration failed", "butler", name, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	if decl == nil {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	rec, err := r.Register(ctx, decl.Registration())
	if err != nil {
		r.logger.Warn("heartbeat auto-registration failed", "butler", name, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return &HeartbeatResult{Name: name, State: rec.EligibilityState, AutoRegistered: true}, nil
}

// Quarantine removes a butler from routing. reason is policy_violation or
// manual_hold; detail is stored as the quarantine reason shown to callers.
func (r *Registry) Quarantine(ctx context.Context, name, reason, detail string) (*persistence.EligibilityTransition, error) {
	switch reason {
	case persistence.ReasonPolicyViolation, persistence.ReasonManualHold:
	default:
		return nil, fmt.Errorf("quarantine reason must be %s or %s, got %q",
			persistence.ReasonPolicyViolation, persistence.ReasonManualHold, reason)
	}
	return r.transition(ctx, name, persistence.EligibilityChange{
		From:   []persistence.EligibilityState{persistence.EligibilityActive, persistence.EligibilityStale},
		To:     persistence.EligibilityQuarantined,
		Reason: reason,
		Detail: detail,
	})
}

// MarkStale persists the stale state for an active butler (ttl_expired).
func (r *Registry) MarkStale(ctx context.Context, name string) (*persistence.EligibilityTransition, error) {
	return r.transition(ctx, name, persistence.EligibilityChange{
		From:   []persistence.EligibilityState{persistence.EligibilityActive},
		To:     persistence.EligibilityStale,
		Reason: persistence.ReasonTTLExpired,
	})
}

// Release returns a quarantined butler to active (manual_release).
func (r *Registry) Release(ctx context.Context, name string) (*persistence.EligibilityTransition, error) {
	return r.transition(ctx, name, persistence.EligibilityChange{
		From:   []persistence.EligibilityState{persistence.EligibilityQuarantined},
		To:     persistence.EligibilityActive,
		Reason: persistence.ReasonManualRelease,
	})
}

func (r *Registry) transition(ctx context.Context, name string, change persistence.EligibilityChange) (*persistence.EligibilityTransition, error) {
	t, err := r.store.SetEligibility(ctx, name, change)
	if err != nil {
		return nil, err
	}
	if t != nil {
		r.observe(ctx, t)
		r.logger.Info("butler eligibility changed", "butler", name,
			"from", t.PreviousState, "to", t.NewState, "reason", t.Reason)
		return t, nil
	}
	rec, err := r.store.GetButler(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, name)
	}
	return nil, fmt.Errorf("%w: butler %s is %s, cannot move to %s", ErrEligibilityConflict, name, rec.EligibilityState, change.To)
}

// Transitions returns the eligibility audit trail, newest first.
func (r *Registry) Transitions(ctx context.Context, name string, limit int) ([]persistence.EligibilityTransition, error) {
	return r.store.ListTransitions(ctx, name, limit)
}

func (r *Registry) observe(ctx context.Context, t *persistence.EligibilityTransition) {
	r.metrics.RecordEligibilityTransition(ctx, t.Reason)
}
