package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/orchestra/internal/healthstore"
	"github.com/opentalon/orchestra/internal/monitor"
	"github.com/opentalon/orchestra/internal/registry"
)

// Catalog lists the tools to probe.
type Catalog interface {
	List() []registry.ToolMetadata
}

// Recorder receives probe results and produces snapshots.
type Recorder interface {
	RecordProbe(id string, err error)
	Snapshot() monitor.Snapshot
}

// Scheduler runs named jobs on cron schedules. Jobs share one base context
// that Stop cancels.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With().Str("component", "scheduler").Logger(),
		jobs:   make(map[string]cron.EntryID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name. spec is a standard five-field cron expression
// or a descriptor such as "@every 30s".
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		if err := fn(s.ctx); err != nil {
			s.logger.Warn().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[name]
	if ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	return ok
}

func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// ProbeAll probes every tool that declares a health check, concurrently, and
// records each result. It returns how many tools were probed.
func ProbeAll(ctx context.Context, catalog Catalog, rec Recorder, p Prober) int {
	var g errgroup.Group
	n := 0
	for _, meta := range catalog.List() {
		if meta.HealthCheck == nil {
			continue
		}
		n++
		g.Go(func() error {
			rec.RecordProbe(meta.ID, p.Probe(ctx, meta))
			return nil
		})
	}
	_ = g.Wait()
	return n
}

// ProbeJob adapts ProbeAll to Scheduler.Add.
func ProbeJob(catalog Catalog, rec Recorder, p Prober) func(context.Context) error {
	return func(ctx context.Context) error {
		ProbeAll(ctx, catalog, rec, p)
		return nil
	}
}

// SnapshotJob saves the monitor's state to store on every run.
func SnapshotJob(rec Recorder, store healthstore.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		return store.Save(ctx, rec.Snapshot())
	}
}
