package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/metrics"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/sink"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/watermark"
)

// =====================================================
// SHARED DEPENDENCIES
// =====================================================

// Config bundles the dependencies shared by both extractors.
type Config struct {
	Client     *hubspot.Client
	Paginator  *hubspot.Paginator
	Sink       sink.Sink
	Watermarks watermark.Store
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
	// DryRun fetches but skips sink writes and watermark advancement.
	DryRun bool
}

func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.New()
}

// Result summarizes one entity extraction.
type Result struct {
	Entity       string
	Mode         Mode
	Rows         int64
	Skipped      int
	Objects      []string
	OldWatermark string
	NewWatermark string
	Duration     time.Duration
	Err          error
}

// Report aggregates a whole run.
type Report struct {
	Results []Result
}

// Failed lists the entities that errored, in completion order.
func (r *Report) Failed() []string {
	var failed []string
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res.Entity)
		}
	}
	return failed
}

// Err is nil when every attempted entity succeeded.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("extraction failed for %d of %d entities: %s",
		len(failed), len(r.Results), strings.Join(failed, ", "))
}

// =====================================================
// RUNNER
// =====================================================

// RunnerConfig adds per-run policy on top of the shared dependencies.
type RunnerConfig struct {
	Config
	// Registry defaults to the built-in sources.
	Registry *Registry
	// Workers bounds concurrent entities. Pages within one entity always
	// stay sequential because each cursor depends on the prior response.
	// Default 1.
	Workers int
	// StopOnError switches from continue-on-error aggregation to
	// fail-fast.
	StopOnError bool
	// IncludeOptional admits optional entities into full runs.
	IncludeOptional bool
}

// Runner drives extraction across the registry.
type Runner struct {
	registry        *Registry
	full            *FullExtractor
	incremental     *IncrementalExtractor
	log             *logrus.Logger
	workers         int
	stopOnError     bool
	includeOptional bool
}

// NewRunner wires both extractors over one dependency set.
func NewRunner(cfg RunnerConfig) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Runner{
		registry:        registry,
		full:            NewFullExtractor(cfg.Config),
		incremental:     NewIncrementalExtractor(cfg.Config),
		log:             cfg.logger(),
		workers:         workers,
		stopOnError:     cfg.StopOnError,
		includeOptional: cfg.IncludeOptional,
	}
}

// Run extracts every registry entity the mode selects. Entity failures are
// isolated unless StopOnError is set. An auth failure aborts the whole run
// because no subsequent call can succeed.
func (r *Runner) Run(ctx context.Context, mode Mode) (*Report, error) {
	if mode != ModeFull && mode != ModeIncremental {
		return nil, fmt.Errorf("unsupported run mode %q", mode)
	}
	entities := r.registry.ForMode(mode, r.includeOptional)
	report := &Report{}
	if len(entities) == 0 {
		r.log.WithField("mode", string(mode)).Warn("no entities selected")
		return report, nil
	}

	r.log.WithFields(logrus.Fields{
		"mode":     string(mode),
		"entities": len(entities),
		"workers":  r.workers,
	}).Info("starting extraction run")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, e := range entities {
		e := e
		g.Go(func() error {
			// A fail-fast or auth abort cancels the group; entities not
			// yet started are skipped rather than reported as failures.
			if gctx.Err() != nil {
				return nil
			}
			res, err := r.runOne(gctx, e, mode)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Results = append(report.Results, Result{Entity: e.Name, Mode: mode, Err: err})
				var authErr *hubspot.AuthError
				if errors.As(err, &authErr) {
					r.log.WithError(err).Error("token exchange failed, aborting run")
					return err
				}
				r.log.WithField("entity", e.Name).WithError(err).Error("entity extraction failed")
				if r.stopOnError {
					return err
				}
				return nil
			}

			report.Results = append(report.Results, *res)
			fields := logrus.Fields{
				"entity":   e.Name,
				"rows":     res.Rows,
				"duration": res.Duration.Round(time.Millisecond).String(),
			}
			if res.Skipped > 0 {
				fields["skipped"] = res.Skipped
			}
			if res.Mode == ModeIncremental {
				fields["watermark_from"] = res.OldWatermark
				fields["watermark_to"] = res.NewWatermark
			}
			r.log.WithFields(fields).Info("entity extraction complete")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, report.Err()
}

func (r *Runner) runOne(ctx context.Context, e Entity, mode Mode) (*Result, error) {
	r.log.WithFields(logrus.Fields{
		"entity": e.Name,
		"kind":   string(e.Kind),
		"mode":   string(mode),
	}).Info("extracting entity")
	if mode == ModeIncremental {
		return r.incremental.Run(ctx, e)
	}
	return r.full.Run(ctx, e)
}
