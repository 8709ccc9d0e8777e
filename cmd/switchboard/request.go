package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/operator"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

func requestCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "request",
		Aliases: []string{"req"},
		Short:   "Submit, inspect and intervene on inbound requests",
	}
	cmd.AddCommand(requestSubmitCmd(opts))
	cmd.AddCommand(requestListCmd(opts))
	cmd.AddCommand(requestShowCmd(opts))
	cmd.AddCommand(requestRerouteCmd(opts))
	cmd.AddCommand(requestActionCmd(opts, "cancel", "Cancel a request that has not finished",
		func(ctx context.Context, c *operator.Controls, id, who, reason string) operator.ActionResult {
			return c.Cancel(ctx, id, who, reason)
		}))
	cmd.AddCommand(requestActionCmd(opts, "abort", "Abort a request regardless of its state",
		func(ctx context.Context, c *operator.Controls, id, who, reason string) operator.ActionResult {
			return c.Abort(ctx, id, who, reason)
		}))
	cmd.AddCommand(requestCompleteCmd(opts))
	cmd.AddCommand(requestActionCmd(opts, "retry", "Dispatch a rerouted request to its new target",
		func(ctx context.Context, c *operator.Controls, id, who, reason string) operator.ActionResult {
			return c.Retry(ctx, id, who, reason)
		}))
	return cmd
}

func requestSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		channel string
		sender  string
		session string
	)
	cmd := &cobra.Command{
		Use:   "submit <text>",
		Short: "Accept an inbound request and run it through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				ctx, _ = shared.EnsureTraceID(ctx)
				out, err := a.pipeline.Ingest(ctx, lifecycle.Inbound{
					Channel:   channel,
					Sender:    sender,
					Text:      strings.Join(args, " "),
					SessionID: session,
				})
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(out)
				}
				p.Fields(
					"request", out.RequestID,
					"state", p.State(string(out.State)),
					"attempts", fmt.Sprint(out.Attempts),
					"summary", out.Summary,
					"error", out.Error,
					"dead_letter", out.DeadLetterID,
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "cli", "Source channel recorded on the request")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender identity")
	cmd.Flags().StringVar(&session, "session", "", "Session id")
	return cmd
}

func requestListCmd(opts *rootOptions) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := persistence.LifecycleState(state)
			if state != "" && !st.Valid() {
				return fmt.Errorf("unknown lifecycle state %q", state)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				msgs, err := a.store.ListMessages(ctx, persistence.MessageFilter{State: st, Limit: limit})
				if err != nil {
					return err
				}
				if p.json {
					if msgs == nil {
						msgs = []persistence.Message{}
					}
					return p.JSON(msgs)
				}
				if len(msgs) == 0 {
					p.Line("no requests")
					return nil
				}
				rows := make([][]string, 0, len(msgs))
				for _, m := range msgs {
					rows = append(rows, []string{
						m.ID, string(m.LifecycleState), formatTime(&m.ReceivedAt), truncate(m.NormalizedText, 50),
					})
				}
				return p.Table([]string{"ID", "STATE", "RECEIVED", "TEXT"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by lifecycle state")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum requests to show")
	return cmd
}

// requestDetail is the JSON shape of request show.
type requestDetail struct {
	*persistence.Message
	Fanout []persistence.FanoutRecord       `json:"fanout"`
	Audit  []persistence.OperatorAuditEntry `json:"audit"`
}

func requestShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its fanout executions and operator audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				msg, err := a.lifecycle.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fanout, err := a.store.ListFanoutExecutions(ctx, msg.ID)
				if err != nil {
					return err
				}
				entries, err := a.store.ListOperatorAudit(ctx, msg.ID, 50)
				if err != nil {
					return err
				}
				if p.json {
					d := requestDetail{Message: msg, Fanout: fanout, Audit: entries}
					if d.Fanout == nil {
						d.Fanout = []persistence.FanoutRecord{}
					}
					if d.Audit == nil {
						d.Audit = []persistence.OperatorAuditEntry{}
					}
					return p.JSON(d)
				}
				p.Fields(
					"request", msg.ID,
					"state", p.State(string(msg.LifecycleState)),
					"received", formatTime(&msg.ReceivedAt),
					"final", formatTime(msg.FinalStateAt),
					"trace", msg.TraceID,
					"text", msg.NormalizedText,
					"summary", msg.ResponseSummary,
					"outcomes", string(msg.DispatchOutcomes),
				)
				if len(fanout) > 0 {
					p.Line("")
					rows := make([][]string, 0, len(fanout))
					for _, f := range fanout {
						rows = append(rows, []string{
							f.ID, f.FanoutMode, f.JoinPolicy, fmt.Sprint(f.Attempt), yesNo(f.Success), formatTime(&f.CreatedAt),
						})
					}
					if err := p.Table([]string{"FANOUT", "MODE", "JOIN", "ATTEMPT", "SUCCESS", "CREATED"}, rows); err != nil {
						return err
					}
				}
				if len(entries) > 0 {
					p.Line("")
					rows := make([][]string, 0, len(entries))
					for _, e := range entries {
						rows = append(rows, []string{
							string(e.ActionType), e.OperatorIdentity, string(e.Outcome), formatTime(&e.PerformedAt), truncate(e.Reason, 40),
						})
					}
					if err := p.Table([]string{"ACTION", "OPERATOR", "OUTCOME", "PERFORMED", "REASON"}, rows); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func requestRerouteCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reroute <id> <target>",
		Short: "Point an unfinished request at a different butler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				ctx = shared.WithOperator(ctx, opts.operator)
				return printAction(p, a.operator.ManualReroute(ctx, args[0], args[1], opts.operator, reason))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the request is being rerouted (required)")
	return cmd
}

func requestCompleteCmd(opts *rootOptions) *cobra.Command {
	var reason, summary string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Force a request to completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				ctx = shared.WithOperator(ctx, opts.operator)
				return printAction(p, a.operator.ForceComplete(ctx, args[0], opts.operator, reason, summary))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the request is being completed (required)")
	cmd.Flags().StringVar(&summary, "summary", "", "Completion summary stored on the request")
	return cmd
}

type actionFunc func(ctx context.Context, c *operator.Controls, id, operator, reason string) operator.ActionResult

func requestActionCmd(opts *rootOptions, name, short string, run actionFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				ctx = shared.WithOperator(ctx, opts.operator)
				return printAction(p, run(ctx, a.operator, args[0], opts.operator, reason))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the action is taken (required)")
	return cmd
}

func printAction(p *printer, res operator.ActionResult) error {
	if p.json {
		if err := p.JSON(res); err != nil {
			return err
		}
	} else if res.Success {
		p.OK("%s %s: %s -> %s (audit %s)", res.Action, res.RequestID, res.PreviousState, res.NewState, res.AuditID)
	} else {
		p.Fail("%s %s: %s: %s", res.Action, res.RequestID, res.Error, res.Message)
	}
	if !res.Success {
		return fmt.Errorf("%s failed: %s", res.Action, res.Error)
	}
	return nil
}
