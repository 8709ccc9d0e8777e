package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/config"
	"github.com/basket/switchboard/internal/doctor"
)

func doctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database, roster and endpoints without changing state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := opts.loadConfig()
			if err == nil {
				cfgPtr = &cfg
			}
			d := doctor.Run(cmd.Context(), cfgPtr, Version)
			if err != nil {
				d.Results[0].Detail = err.Error()
			}

			p := newPrinter(cmd.OutOrStdout(), opts.json)
			if p.json {
				if err := p.JSON(d); err != nil {
					return err
				}
			} else {
				p.Line("switchboard %s (%s/%s, %s)", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					line := fmt.Sprintf("%-4s %-12s %s", r.Status, r.Name, r.Message)
					switch r.Status {
					case doctor.StatusPass:
						p.OK("%s", line)
					case doctor.StatusFail:
						p.Fail("%s", line)
					default:
						p.Line("%s", line)
					}
					if r.Detail != "" {
						p.Line("     %s", r.Detail)
					}
				}
			}
			if d.Failed() {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
}

func backupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dest]",
		Short: "Write a consistent copy of the database (default <home>/backups/switchboard-<time>.db)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
				dest := filepath.Join(a.cfg.HomeDir, "backups",
					"switchboard-"+time.Now().UTC().Format("20060102T150405Z")+".db")
				if len(args) == 1 {
					dest = args[0]
				}
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					return err
				}
				if err := a.store.Backup(ctx, dest); err != nil {
					return err
				}
				if p.json {
					return p.JSON(map[string]string{"path": dest})
				}
				p.OK("database copied to %s", dest)
				return nil
			})
		},
	}
}
