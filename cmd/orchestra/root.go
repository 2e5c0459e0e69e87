package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opentalon/orchestra/internal/config"
	"github.com/opentalon/orchestra/internal/logging"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "orchestra",
		Short: "Route natural-language requests to tools and run them as workflows",
		Long: `orchestra classifies a request, picks the healthiest tools for the
capabilities it needs, and runs them with retries, fallbacks and timeouts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "orchestra.yaml", "path to config file")
	pf.StringVar(&g.logLevel, "log-level", "", "override log.level")
	pf.StringVar(&g.logFormat, "log-format", "", "override log.format (json or console)")

	root.AddCommand(
		newHandleCmd(g),
		newServeCmd(g),
		newValidateCmd(g),
		newToolsCmd(g),
		newVersionCmd(),
	)
	return root
}

// load reads and validates the config file and builds the logger it asks
// for. Logs go to stderr so stdout stays machine-readable.
func (g *globalFlags) load(stderr io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
