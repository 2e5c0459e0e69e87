// Package app assembles a running orchestration engine from configuration:
// tool invokers, event sinks, health persistence, probes and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opentalon/orchestra/internal/config"
	"github.com/opentalon/orchestra/internal/engine"
	"github.com/opentalon/orchestra/internal/events"
	"github.com/opentalon/orchestra/internal/healthstore"
	"github.com/opentalon/orchestra/internal/journal"
	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/probe"
	"github.com/opentalon/orchestra/internal/toolcall"
	"github.com/opentalon/orchestra/internal/toolcall/luatool"
	"github.com/opentalon/orchestra/internal/toolcall/socket"
)

type App struct {
	Engine  *engine.Engine
	Journal *journal.Journal

	logger    zerolog.Logger
	mux       *toolcall.Mux
	metrics   *prometheus.Registry
	store     healthstore.Store
	scheduler *probe.Scheduler
	prober    probe.Prober

	extraSinks []events.Sink

	mu      sync.Mutex
	closers []func() error
	asyncs  []*events.Async
	ready   bool
	closed  bool
}

type Option func(*App)

// WithInvoker routes tools that have no invoker section to inv instead of
// failing them.
func WithInvoker(inv toolcall.Invoker) Option {
	return func(a *App) { a.mux = toolcall.NewMux(inv) }
}

// WithSink adds an extra event sink, called synchronously.
func WithSink(s events.Sink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, s) }
}

// New builds every component cfg asks for. On error anything already opened
// is closed again.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{logger: logger, metrics: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(a)
	}
	if a.mux == nil {
		a.mux = toolcall.NewMux(nil)
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if err := a.routeTools(cfg.Tools); err != nil {
		return nil, err
	}
	sink, err := a.buildSinks(cfg)
	if err != nil {
		return nil, err
	}

	a.Engine, err = engine.New(*cfg, a.mux, engine.WithSink(sink), engine.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx, cfg.Monitoring.MetricsStore); err != nil {
		return nil, err
	}
	if err := a.restore(ctx); err != nil {
		return nil, err
	}
	a.registerMetrics()
	if err := a.schedule(cfg); err != nil {
		return nil, err
	}
	a.ready = true
	return a, nil
}

// routeTools compiles Lua tools and connects socket tools. Tools with no
// invoker section use the mux fallback.
func (a *App) routeTools(tools []config.ToolConfig) error {
	for _, t := range tools {
		inv := t.Invoker
		switch inv.Type {
		case "":
			continue
		case "lua":
			var (
				tool *luatool.Tool
				err  error
			)
			if inv.Script != "" {
				tool, err = luatool.Load(t.ID, inv.Script)
			} else {
				tool, err = luatool.Compile(t.ID, inv.Source)
			}
			if err != nil {
				return err
			}
			a.mux.Handle(t.ID, tool)
		case "socket":
			if len(inv.Command) > 0 {
				c, proc, err := socket.Launch(context.Background(), inv.Command, socket.DefaultHandshakeTimeout)
				if err != nil {
					return fmt.Errorf("tool %s: %w", t.ID, err)
				}
				a.closers = append(a.closers,
					func() error { return proc.Stop(socket.DefaultStopGrace) },
					c.Close)
				a.mux.Handle(t.ID, c)
				continue
			}
			network := inv.Network
			if network == "" {
				network = "unix"
			}
			c := socket.NewClient(network, inv.Address)
			a.closers = append(a.closers, c.Close)
			a.mux.Handle(t.ID, c)
		default:
			return fmt.Errorf("tool %s: unknown invoker type %q", t.ID, inv.Type)
		}
	}
	return nil
}

func (a *App) buildSinks(cfg *config.Config) (events.Sink, error) {
	m := cfg.Monitoring
	sinks := []events.Sink{events.NewLogSink(a.logger)}
	sinks = append(sinks, a.extraSinks...)

	if m.Journal.DSN != "" {
		db, err := journal.Open(m.Journal.Driver, m.Journal.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Journal = journal.New(db, a.logger)
		sinks = append(sinks, a.async(a.Journal, m.EventBuffer))
	}
	if m.WebSocketURL != "" {
		ws := events.NewWebSocketSink(m.WebSocketURL, a.logger)
		a.closers = append(a.closers, ws.Close)
		sinks = append(sinks, a.async(ws, m.EventBuffer))
	}
	return events.Multi(sinks...), nil
}

func (a *App) async(next events.Sink, buffer int) *events.Async {
	as := events.NewAsync(next, buffer)
	a.asyncs = append(a.asyncs, as)
	return as
}

func (a *App) openStore(ctx context.Context, sc config.StoreConfig) error {
	switch sc.Type {
	case "":
		return nil
	case "file":
		a.store = healthstore.NewFileStore(sc.Path)
	case "redis":
		rs, err := healthstore.NewRedisStore(ctx, healthstore.RedisConfig{
			Addr: sc.Addr, Password: sc.Password, DB: sc.DB, Key: sc.Key,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rs.Close)
		a.store = rs
	}
	return nil
}

// restore applies a previously saved snapshot to the freshly registered
// tools.
func (a *App) restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	snap, err := a.store.Load(ctx)
	if errors.Is(err, healthstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	n := a.Engine.Monitor().Restore(snap)
	a.logger.Info().Int("tools", n).Time("taken_at", snap.TakenAt).Msg("restored tool health")
	return nil
}

func (a *App) registerMetrics() {
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		monitor.NewCollector(a.Engine.Monitor()),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "orchestra_events_dropped_total",
			Help: "Events discarded because an asynchronous sink was full.",
		}, a.droppedEvents),
	)
}

func (a *App) droppedEvents() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, as := range a.asyncs {
		n += as.Dropped()
	}
	return float64(n)
}

func (a *App) schedule(cfg *config.Config) error {
	m := cfg.Monitoring
	if m.ProbeSchedule == "" && (m.SnapshotSchedule == "" || a.store == nil) {
		return nil
	}
	a.scheduler = probe.NewScheduler(a.logger)

	if m.ProbeSchedule != "" {
		grpcProber := probe.NewGRPCProber(0)
		a.closers = append(a.closers, grpcProber.Close)
		a.prober = probe.ByType{
			"grpc":   grpcProber,
			"invoke": probe.NewInvokeProber(a.mux, 0),
		}
		if err := a.scheduler.Add("probe", m.ProbeSchedule,
			probe.ProbeJob(a.Engine.Registry(), a.Engine.Monitor(), a.prober)); err != nil {
			return err
		}
	}
	if m.SnapshotSchedule != "" && a.store != nil {
		if err := a.scheduler.Add("snapshot", m.SnapshotSchedule,
			probe.SnapshotJob(a.Engine.Monitor(), a.store)); err != nil {
			return err
		}
	}
	return nil
}

// Start begins scheduled probing and snapshotting.
func (a *App) Start() {
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

// ProbeNow runs every configured health check once.
func (a *App) ProbeNow(ctx context.Context) int {
	if a.prober == nil {
		return 0
	}
	return probe.ProbeAll(ctx, a.Engine.Registry(), a.Engine.Monitor(), a.prober)
}

// Reload validates cfg, routes any new tools and swaps the engine
// configuration.
func (a *App) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var fresh []config.ToolConfig
	for _, t := range cfg.Tools {
		if _, err := a.Engine.Registry().Get(t.ID); err != nil {
			fresh = append(fresh, t)
		}
	}
	if err := a.routeTools(fresh); err != nil {
		return err
	}
	return a.Engine.Reconfigure(*cfg)
}

// MetricsHandler serves the Prometheus exposition format.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})
}

func (a *App) Metrics() *prometheus.Registry { return a.metrics }

// Close stops the scheduler, saves a final snapshot, cancels in-flight
// requests, drains sinks and releases connections, in that order.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ready := a.ready
	a.mu.Unlock()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var errs []error
	// A half-built app never overwrites the saved snapshot.
	if ready && a.store != nil {
		if err := a.store.Save(ctx, a.Engine.Monitor().Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("save health snapshot: %w", err))
		}
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	for _, as := range a.asyncs {
		as.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
