package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
	"github.com/basket/switchboard/internal/shared"
)

func butlerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "butler",
		Short: "Inspect and manage butler eligibility",
	}
	cmd.AddCommand(butlerListCmd(opts))
	cmd.AddCommand(butlerDiscoverCmd(opts))
	cmd.AddCommand(butlerHeartbeatCmd(opts))
	cmd.AddCommand(butlerQuarantineCmd(opts))
	cmd.AddCommand(butlerReleaseCmd(opts))
	cmd.AddCommand(butlerTransitionsCmd(opts))
	return cmd
}

func butlerListCmd(opts *rootOptions) *cobra.Command {
	var routable bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered butlers with projected liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				statuses, _, err := a.registry.Snapshot(ctx)
				if err != nil {
					return err
				}
				if routable {
					kept := statuses[:0]
					for _, st := range statuses {
						if st.Routable {
							kept = append(kept, st)
						}
					}
					statuses = kept
				}
				if p.json {
					if statuses == nil {
						statuses = []registry.Status{}
					}
					return p.JSON(statuses)
				}
				if len(statuses) == 0 {
					p.Line("no butlers registered")
					return nil
				}
				rows := make([][]string, 0, len(statuses))
				for _, st := range statuses {
					rows = append(rows, []string{
						st.Name, string(st.EligibilityState), yesNo(st.Stale), yesNo(st.Routable),
						formatAge(st.LastSeenAgeSeconds), strconv.Itoa(st.LivenessTTLSeconds) + "s", shared.RedactURL(st.EndpointURL),
					})
				}
				return p.Table([]string{"NAME", "STATE", "STALE", "ROUTABLE", "LAST SEEN", "TTL", "ENDPOINT"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&routable, "routable", false, "Only show butlers that can be routed to now")
	return cmd
}

func butlerDiscoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover [dir]",
		Short: "Register every butler.toml under the roster directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				dir := a.cfg.RosterPath()
				if len(args) == 1 {
					dir = args[0]
				}
				res := a.registry.Discover(ctx, dir)
				if p.json {
					if res.Registered == nil {
						res.Registered = []string{}
					}
					return p.JSON(res)
				}
				p.Line("roster %s: %d registered, %d skipped", dir, len(res.Registered), len(res.Skipped))
				for _, name := range res.Registered {
					p.OK("  + %s", name)
				}
				for _, s := range res.Skipped {
					p.Fail("  ! %s: %s", s.Path, s.Error)
				}
				return nil
			})
		},
	}
}

func butlerHeartbeatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <name>",
		Short: "Record a heartbeat; unknown butlers are registered from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				res, err := a.registry.Heartbeat(ctx, args[0])
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(res)
				}
				p.Fields(
					"butler", res.Name,
					"state", p.State(string(res.State)),
					"recovered", yesNo(res.Recovered),
					"auto_registered", yesNo(res.AutoRegistered),
				)
				return nil
			})
		},
	}
}

func butlerQuarantineCmd(opts *rootOptions) *cobra.Command {
	var reason, detail string
	cmd := &cobra.Command{
		Use:   "quarantine <name>",
		Short: "Remove a butler from routing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				t, err := a.registry.Quarantine(ctx, args[0], reason, detail)
				if err != nil {
					return err
				}
				return printTransition(p, t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", persistence.ReasonManualHold, "manual_hold or policy_violation")
	cmd.Flags().StringVar(&detail, "detail", "", "Free-text quarantine detail shown to callers")
	return cmd
}

func butlerReleaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "Return a quarantined butler to routing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				t, err := a.registry.Release(ctx, args[0])
				if err != nil {
					return err
				}
				return printTransition(p, t)
			})
		},
	}
}

func butlerTransitionsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transitions <name>",
		Short: "Show the eligibility audit trail of a butler, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				if _, err := a.registry.Get(ctx, args[0]); err != nil {
					return err
				}
				trail, err := a.registry.Transitions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if p.json {
					if trail == nil {
						trail = []persistence.EligibilityTransition{}
					}
					return p.JSON(trail)
				}
				if len(trail) == 0 {
					p.Line("no transitions recorded for %s", args[0])
					return nil
				}
				rows := make([][]string, 0, len(trail))
				for _, t := range trail {
					rows = append(rows, []string{
						formatTime(&t.ObservedAt), string(t.PreviousState) + " -> " + string(t.NewState), t.Reason,
					})
				}
				return p.Table([]string{"OBSERVED", "CHANGE", "REASON"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum transitions to show")
	return cmd
}

func printTransition(p *printer, t *persistence.EligibilityTransition) error {
	if p.json {
		return p.JSON(t)
	}
	p.OK("%s: %s -> %s (%s)", t.ButlerName, t.PreviousState, t.NewState, strings.ReplaceAll(t.Reason, "_", " "))
	return nil
}
