package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/opentalon/orchestra/internal/config"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and list every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				var ce *config.ConfigurationError
				if errors.As(err, &ce) {
					for _, p := range ce.Problems {
						printf(cmd, "  - %s\n", p)
					}
				}
				return err
			}
			printf(cmd, "%s: ok (%d tools, strategy %s)\n", g.configPath, len(cfg.Tools), cfg.Workflow.Strategy)
			return nil
		},
	}
}
