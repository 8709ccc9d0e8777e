package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/switchboard/internal/config"
	"github.com/basket/switchboard/internal/shared"
)

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit config.yaml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and env overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuthToken != "" {
				cfg.AuthToken = shared.Redacted
			}
			cfg.OTel.Headers = shared.RedactHeaders(cfg.OTel.Headers)
			p := newPrinter(cmd.OutOrStdout(), opts.json)
			if p.json {
				return p.JSON(struct {
					Home        string        `json:"home"`
					Fingerprint string        `json:"fingerprint"`
					Config      config.Config `json:"config"`
				}{cfg.HomeDir, cfg.Fingerprint(), cfg})
			}
			p.Fields("home", cfg.HomeDir, "fingerprint", cfg.Fingerprint(), "database", cfg.DatabasePath(), "roster", cfg.RosterPath())
			p.Line("")
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			p.Line("%s", out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one dotted key into config.yaml (e.g. pipeline.max_attempts 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := opts.homeDir()
			if err := config.Set(home, args[0], args[1]); err != nil {
				return err
			}
			newPrinter(cmd.OutOrStdout(), opts.json).OK("%s updated in %s", args[0], config.ConfigPath(home))
			return nil
		},
	})
	return cmd
}
