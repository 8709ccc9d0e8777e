package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/coordinator"
	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

func dlqCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered requests",
	}
	cmd.AddCommand(dlqListCmd(opts))
	cmd.AddCommand(dlqShowCmd(opts))
	cmd.AddCommand(dlqReplayCmd(opts))
	return cmd
}

func dlqListCmd(opts *rootOptions) *cobra.Command {
	var (
		category string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List replay-eligible dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat := persistence.FailureCategory(category)
			if category != "" && !cat.Valid() {
				return fmt.Errorf("unknown failure category %q", category)
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				entries, err := a.deadLetters.ListReplayEligible(ctx, limit, cat)
				if err != nil {
					return err
				}
				if p.json {
					if entries == nil {
						entries = []persistence.DeadLetterEntry{}
					}
					return p.JSON(entries)
				}
				if len(entries) == 0 {
					p.Line("dead-letter queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						e.ID, e.OriginalRequestID, string(e.FailureCategory), strconv.Itoa(e.RetryCount),
						formatTime(&e.CreatedAt), truncate(e.FailureReason, 60),
					})
				}
				return p.Table([]string{"ID", "REQUEST", "CATEGORY", "RETRIES", "CREATED", "REASON"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Filter by failure category (timeout, retry_exhausted, circuit_open, policy_violation, validation_error, downstream_failure, unknown)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}

func dlqShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead letter in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				e, err := a.deadLetters.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if p.json {
					return p.JSON(e)
				}
				p.Fields(
					"id", e.ID,
					"request", e.OriginalRequestID,
					"source", e.SourceTable,
					"category", string(e.FailureCategory),
					"reason", e.FailureReason,
					"retries", strconv.Itoa(e.RetryCount),
					"eligible", yesNo(e.ReplayEligible),
					"created", formatTime(&e.CreatedAt),
					"replayed", formatTime(e.ReplayedAt),
					"replayed_as", e.ReplayedRequestID,
					"outcome", string(e.ReplayOutcome),
					"payload", string(e.OriginalPayload),
					"errors", string(e.ErrorDetails),
				)
				return nil
			})
		},
	}
}

// replayOutput pairs the replay result with the pipeline outcome when the
// replayed request was processed.
type replayOutput struct {
	deadletter.ReplayResult
	Outcome *coordinator.Outcome `json:"outcome,omitempty"`
}

func dlqReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		reason  string
		process bool
	)
	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-inject a dead letter as a new accepted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				ctx = shared.WithOperator(ctx, opts.operator)
				out := replayOutput{ReplayResult: a.deadLetters.Replay(ctx, args[0], opts.operator, reason)}
				var procErr error
				if out.Success && process {
					out.Outcome, procErr = a.pipeline.Process(ctx, out.ReplayedRequestID)
				}
				if p.json {
					if err := p.JSON(out); err != nil {
						return err
					}
				} else if out.Success {
					p.OK("replayed %s as %s (audit %s)", out.DeadLetterID, out.ReplayedRequestID, out.AuditID)
					if out.Outcome != nil {
						p.Fields("state", p.State(string(out.Outcome.State)), "summary", out.Outcome.Summary, "error", out.Outcome.Error)
					}
				} else {
					p.Fail("%s: %s", out.Error, out.Message)
				}
				if !out.Success {
					return fmt.Errorf("replay failed: %s", out.Error)
				}
				return procErr
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the entry is being replayed (required)")
	cmd.Flags().BoolVar(&process, "process", false, "Run the replayed request through the pipeline immediately")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
