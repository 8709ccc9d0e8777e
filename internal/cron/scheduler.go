// Package cron runs the periodic liveness report. The report projects
// staleness across the registry, logs stale butlers and publishes a summary;
// it never writes eligibility state.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
)

// DefaultSpec runs the report every five minutes.
const DefaultSpec = "*/5 * * * *"

// cronParser accepts standard 5-field expressions and descriptors such as @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Snapshotter is satisfied by *registry.Registry.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]registry.Status, time.Time, error)
}

type Config struct {
	Registry Snapshotter
	Bus      *bus.Bus
	Logger   *slog.Logger
	// Spec is the cron expression; empty uses DefaultSpec.
	Spec string
}

type Scheduler struct {
	registry Snapshotter
	bus      *bus.Bus
	logger   *slog.Logger
	spec     string

	mu     sync.Mutex
	cron   *cronlib.Cron
	cancel context.CancelFunc
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("parse liveness report schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{registry: cfg.Registry, bus: cfg.Bus, logger: logger, spec: spec}, nil
}

// Start schedules the report and runs it once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c := cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule liveness report: %w", err)
	}
	s.cron, s.cancel = c, cancel
	c.Start()
	go s.run(ctx)
	s.logger.Info("liveness report scheduled", "spec", s.spec)
	return nil
}

// Stop cancels pending work and waits for a running report to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("liveness report stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Report(ctx); err != nil {
		s.logger.Error("liveness report failed", "error", err)
	}
}

// Report projects liveness for every butler, logs the stale ones and
// publishes butler.liveness_report.
func (s *Scheduler) Report(ctx context.Context) (bus.LivenessReportEvent, error) {
	statuses, now, err := s.registry.Snapshot(ctx)
	if err != nil {
		return bus.LivenessReportEvent{}, fmt.Errorf("snapshot registry: %w", err)
	}
	report := Summarize(statuses, now)
	for _, st := range statuses {
		if st.Stale && st.EligibilityState != persistence.EligibilityQuarantined {
			s.logger.Warn("butler stale", "butler", st.Name, "state", st.EligibilityState,
				"last_seen_age_seconds", st.LastSeenAgeSeconds, "ttl_seconds", st.LivenessTTLSeconds)
		}
	}
	s.bus.Publish(bus.TopicButlerLivenessReport, report)
	s.logger.Info("liveness report", "total", report.Total, "routable", report.Routable,
		"stale", len(report.Stale), "quarantined", len(report.Quarantined))
	return report, nil
}

// Summarize folds a registry snapshot into a report. Quarantined butlers are
// listed as quarantined only, whatever their staleness.
func Summarize(statuses []registry.Status, at time.Time) bus.LivenessReportEvent {
	report := bus.LivenessReportEvent{Total: len(statuses), Stale: []string{}, Quarantined: []string{}, At: at}
	for _, st := range statuses {
		switch {
		case st.EligibilityState == persistence.EligibilityQuarantined:
			report.Quarantined = append(report.Quarantined, st.Name)
		case st.Stale:
			report.Stale = append(report.Stale, st.Name)
		}
		if st.Routable {
			report.Routable++
		}
	}
	sort.Strings(report.Stale)
	sort.Strings(report.Quarantined)
	return report
}

// NextRunTime returns the next time spec fires after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
