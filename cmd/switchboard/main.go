package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&rootOptions{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	home     string
	json     bool
	operator string
	// logWriter is set by tests to keep logs off disk.
	logWriter io.Writer
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:     "switchboard",
		Short:   "Switchboard routes requests across butlers and manages their lifecycle",
		Version: Version,
		Long: `Switchboard is the control plane for a roster of butlers. It tracks butler
eligibility, routes tool calls, fans requests out to several butlers, and
keeps a dead-letter queue and an operator audit trail.

Every command except serve works directly on the local database in
$SWITCHBOARD_HOME (default ~/.switchboard).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "Switchboard home directory (overrides $SWITCHBOARD_HOME)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Print JSON instead of tables")
	root.PersistentFlags().StringVar(&opts.operator, "operator", defaultOperator(), "Operator identity recorded in the audit log")

	root.AddCommand(serveCmd(opts))
	root.AddCommand(butlerCmd(opts))
	root.AddCommand(routeCmd(opts))
	root.AddCommand(dlqCmd(opts))
	root.AddCommand(requestCmd(opts))
	root.AddCommand(configCmd(opts))
	root.AddCommand(doctorCmd(opts))
	root.AddCommand(backupCmd(opts))
	return root
}

func defaultOperator() string {
	for _, key := range []string{"SWITCHBOARD_OPERATOR", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func (o *rootOptions) homeDir() string {
	if o.home != "" {
		return o.home
	}
	return config.HomeDir()
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.LoadFrom(o.homeDir())
}

// withApp loads config, opens the local stack, runs fn and closes it.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, p *printer) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := openApp(cmd.Context(), cfg, appOptions{quiet: true, logWriter: o.logWriter})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, newPrinter(cmd.OutOrStdout(), o.json))
}
