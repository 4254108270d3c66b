// Package scheduler orchestrates processing runs: it fans a batch of
// cases out to a bounded worker pool, tracks progress, and hands the
// finished run to the self-improvement controller.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-ew/sentinel/internal/audit"
	"github.com/sentinel-ew/sentinel/internal/caseload"
	"github.com/sentinel-ew/sentinel/internal/improve"
	"github.com/sentinel-ew/sentinel/internal/models"
	"github.com/sentinel-ew/sentinel/internal/pipeline"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// ErrRunActive indicates a run is already in progress. Runs never
// overlap: the improvement write phase of one run must not race the
// read phase of another.
var ErrRunActive = fmt.Errorf("a run is already active")

// Config holds the orchestrator tunables.
type Config struct {
	Workers   int
	BatchSize int
	DataPath  string
}

// Orchestrator executes runs.
type Orchestrator struct {
	store    *store.Store
	audit    *audit.Writer
	pipeline *pipeline.Pipeline
	improver *improve.Controller
	defaults models.FusionState
	config   Config

	mu   sync.Mutex
	wg   sync.WaitGroup
	cron *cron.Cron
}

// New creates a run orchestrator. defaults is the fusion state used
// before any strategy memory exists.
func New(s *store.Store, auditor *audit.Writer, p *pipeline.Pipeline, improver *improve.Controller, defaults models.FusionState, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Orchestrator{
		store:    s,
		audit:    auditor,
		pipeline: p,
		improver: improver,
		defaults: defaults,
		config:   cfg,
	}
}

// CurrentState returns the fusion state a new run would snapshot: the
// latest strategy-memory state, or the configured defaults on a fresh
// database.
func (o *Orchestrator) CurrentState() models.FusionState {
	state, err := o.store.LatestFusionState()
	if err != nil {
		return o.defaults.Clone()
	}
	return state.Clone()
}

// StartRun begins a run over the given cases and returns immediately
// with the run record; processing continues in the background. Only one
// run may be active at a time.
func (o *Orchestrator) StartRun(ctx context.Context, cases []*models.Case) (*models.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	active, err := o.store.CountActiveRuns()
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrRunActive
	}

	run, err := o.store.CreateRun(len(cases), o.CurrentState())
	if err != nil {
		return nil, err
	}
	o.audit.Record(run.ID, "", audit.ActionRunStarted, "orchestrator", map[string]interface{}{
		"requested": len(cases),
		"snapshot":  run.Snapshot,
	})

	o.wg.Add(1)
	go o.execute(context.WithoutCancel(ctx), run, cases)
	return run, nil
}

// RunBatch starts a run from the configured case file and waits for it
// to finish. Used by the CLI and by scheduled runs.
func (o *Orchestrator) RunBatch(ctx context.Context, limit int) (*models.Run, error) {
	if limit <= 0 {
		limit = o.config.BatchSize
	}
	cases, err := caseload.Load(o.config.DataPath, limit)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no cases in %s", o.config.DataPath)
	}

	run, err := o.StartRun(ctx, cases)
	if err != nil {
		return nil, err
	}
	o.Wait()
	return o.store.GetRun(run.ID)
}

// execute processes the batch on a bounded worker pool, then runs the
// self-improvement pass.
func (o *Orchestrator) execute(ctx context.Context, run *models.Run, cases []*models.Case) {
	defer o.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)

	for _, c := range cases {
		c := c
		g.Go(func() error {
			err := o.pipeline.ProcessCase(gctx, run.ID, c, run.Snapshot)
			if err != nil {
				log.Printf("run %s: case %s failed: %v", run.ID, c.ID, err)
			}
			// One atomic progress mutation per completed case.
			if perr := o.store.IncrementRunProgress(run.ID, err != nil); perr != nil {
				log.Printf("run %s: progress update failed: %v", run.ID, perr)
			}
			return nil
		})
	}
	g.Wait()

	// A run where no case survived points at a store or pipeline outage
	// rather than bad cases; it finishes failed and skips improvement.
	status := models.RunStatusCompleted
	runErr := ""
	if done, err := o.store.GetRun(run.ID); err == nil && done.Requested > 0 && done.Failed == done.Requested {
		status = models.RunStatusFailed
		runErr = "every case in the batch failed"
	}
	if err := o.store.FinishRun(run.ID, status, runErr); err != nil {
		log.Printf("run %s: finish failed: %v", run.ID, err)
	}

	if status == models.RunStatusCompleted {
		if _, _, err := o.improver.Run(ctx, run.ID, run.Snapshot); err != nil {
			log.Printf("run %s: self-improvement failed: %v", run.ID, err)
		}
	}
	o.audit.Record(run.ID, "", audit.ActionRunFinished, "orchestrator", map[string]interface{}{
		"status": status,
	})
}

// Wait blocks until no run is executing.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Schedule registers a cron expression that triggers RunBatch, e.g.
// "0 * * * *" for hourly runs. Call StopSchedule on shutdown.
func (o *Orchestrator) Schedule(expr string) error {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if _, err := o.RunBatch(context.Background(), 0); err != nil {
			if err == ErrRunActive {
				log.Printf("scheduled run skipped: previous run still active")
				return
			}
			log.Printf("scheduled run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	c.Start()
	o.cron = c
	log.Printf("scheduled runs registered: %s", expr)
	return nil
}

// StopSchedule stops cron-triggered runs and waits for a running batch.
func (o *Orchestrator) StopSchedule() {
	if o.cron != nil {
		ctx := o.cron.Stop()
		<-ctx.Done()
	}
	o.Wait()
}
