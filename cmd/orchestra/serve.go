package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/orchestra/internal/app"
	"github.com/opentalon/orchestra/internal/config"
)

type serveLine struct {
	ID      string            `json:"id,omitempty"`
	Request string            `json:"request"`
	User    string            `json:"user,omitempty"`
	Session string            `json:"session,omitempty"`
	Pins    map[string]string `json:"pins,omitempty"`
}

// serveReply answers one input line. Replies are written as requests
// finish, so Line and ID tie each one back to its request.
type serveReply struct {
	Line int    `json:"line"`
	ID   string `json:"id,omitempty"`
	*resultView
	Error string `json:"error,omitempty"`
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Handle newline-delimited requests from stdin until EOF",
		Long: `serve reads one request per line from stdin, either plain text or a
JSON object {"request": "...", "user": "...", "session": "..."}, and
writes one JSON result per line to stdout. Requests run concurrently, up
to workflow.max_concurrent_requests at a time; each reply carries the
input line number, the optional "id" and the correlation id. Scheduled
probes and health snapshots run in the background, /metrics is served when
monitoring.metrics_addr is set, and SIGHUP reloads the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error().Err(err).Msg("shutdown")
				}
			}()
			a.Start()

			if cfg.Monitoring.MetricsAddr != "" {
				srv := &http.Server{Addr: cfg.Monitoring.MetricsAddr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error().Err(err).Msg("metrics server")
					}
				}()
				defer func() { _ = srv.Close() }()
			}
			go reloadOnHUP(ctx, g.configPath, a, logger)

			return serveLines(ctx, cmd, a, cfg.Workflow.MaxConcurrentRequests, logger)
		},
	}
}

func metricsMux(a *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.Engine.Metrics())
	})
	return mux
}

// serveLines handles each line on its own goroutine, at most limit at a
// time (unbounded when limit is 0).
func serveLines(ctx context.Context, cmd *cobra.Command, a *app.App, limit int, logger zerolog.Logger) error {
	in := bufio.NewScanner(cmd.InOrStdin())
	in.Buffer(make([]byte, 64*1024), 1024*1024)

	var mu sync.Mutex
	enc := json.NewEncoder(cmd.OutOrStdout())
	reply := func(r serveReply) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(r)
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	n := 0
	for in.Scan() {
		n++
		if gctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		req := serveLine{Request: line}
		if strings.HasPrefix(line, "{") {
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				if err := reply(serveReply{Line: n, Error: "invalid request: " + err.Error()}); err != nil {
					return err
				}
				continue
			}
		}
		lineNo := n
		g.Go(func() error {
			f := handleFlags{user: req.User, session: req.Session, pins: req.Pins}
			res, err := a.Engine.Handle(gctx, req.Request, f.userContext())
			if err != nil {
				logger.Debug().Err(err).Int("line", lineNo).Msg("request failed")
				return reply(serveReply{Line: lineNo, ID: req.ID, Error: err.Error()})
			}
			v := viewOf(res)
			return reply(serveReply{Line: lineNo, ID: req.ID, resultView: &v})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return in.Err()
}

func reloadOnHUP(ctx context.Context, path string, a *app.App, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err == nil {
				err = a.Reload(cfg)
			}
			if err != nil {
				logger.Error().Err(err).Msg("reload rejected, keeping current configuration")
				continue
			}
			logger.Info().Str("path", path).Msg("configuration reloaded")
		}
	}
}
