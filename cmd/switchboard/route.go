package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/router"
	"github.com/basket/switchboard/internal/shared"
)

func routeCmd(opts *rootOptions) *cobra.Command {
	var (
		tool             string
		pairs            []string
		argsJSON         string
		allowStale       bool
		allowQuarantined bool
		timeout          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "route <target>",
		Short: "Call one tool on one butler through the eligibility checks",
		Long: `Route a single tool call to a butler. The call is refused when the butler
is unknown, stale or quarantined unless the matching --allow flag is set.
Every attempt is recorded in the routing log.

  switchboard route health --tool log_symptom --arg symptom=headache
  switchboard route general --args-json '{"prompt":"book dinner"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseToolArgs(argsJSON, pairs)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				if tool == "" {
					tool = a.cfg.DispatchTool
				}
				ctx, _ = shared.EnsureTraceID(ctx)
				res := a.router.Route(ctx, router.Request{
					Target:           args[0],
					Tool:             tool,
					Args:             callArgs,
					AllowStale:       allowStale,
					AllowQuarantined: allowQuarantined,
					Source:           a.cfg.SourceButler,
					Timeout:          timeout,
				})
				if p.json {
					if err := p.JSON(res); err != nil {
						return err
					}
				} else if res.OK() {
					p.OK("%s.%s ok (%dms)", args[0], tool, res.DurationMs)
					if res.Result != nil {
						out, _ := json.MarshalIndent(res.Result, "", "  ")
						p.Line("%s", out)
					}
				} else {
					p.Fail("%s.%s %s: %s", args[0], tool, res.Code, res.Error)
				}
				if !res.OK() {
					return fmt.Errorf("route failed: %s", res.Code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "Tool to call (default: dispatch_tool from config)")
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "Tool argument as key=value; repeatable")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "Tool arguments as a JSON object")
	cmd.Flags().BoolVar(&allowStale, "allow-stale", false, "Route even if the butler is stale")
	cmd.Flags().BoolVar(&allowQuarantined, "allow-quarantined", false, "Route even if the butler is quarantined")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Transport timeout (default: route_timeout_seconds)")
	return cmd
}

// parseToolArgs merges a JSON object with key=value pairs; pairs win.
func parseToolArgs(raw string, pairs []string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("--args-json must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("--arg %q must be key=value", pair)
		}
		args[strings.TrimSpace(key)] = value
	}
	return args, nil
}
