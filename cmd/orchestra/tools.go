package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opentalon/orchestra/internal/app"
)

func newToolsCmd(g *globalFlags) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List configured tools with their current health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()
			if probe {
				a.ProbeNow(ctx)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = tw.Write([]byte("ID\tCAPABILITIES\tSTATUS\tSUCCESS\tSAMPLES\n"))
			mon := a.Engine.Monitor()
			for _, t := range a.Engine.Registry().List() {
				h, _ := mon.Health(t.ID)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\n", t.ID, strings.Join(t.Capabilities, ","), h.Status, h.SuccessRate, h.Samples)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "run every health check once before listing")
	return cmd
}
