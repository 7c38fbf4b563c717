// Package service runs harvest passes over all registered sources.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/common/messaging"
	"github.com/telhawk-systems/sprout/harvest/internal/metrics"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/pipeline"
)

// SourceLister lists the sources to harvest.
type SourceLister interface {
	ListSources(ctx context.Context) ([]*models.Source, error)
}

// Purger removes events whose expiry has passed.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Processor runs one source through the pipeline.
type Processor interface {
	Process(ctx context.Context, src *models.Source) pipeline.SourceResult
}

// Summary is the structured record of one harvest run.
type Summary struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	DurationMS  int64             `json:"duration_ms"`
	Sources     int               `json:"sources"`
	Processed   int               `json:"processed"`
	Unchanged   int               `json:"unchanged"`
	RateLimited int               `json:"rate_limited"`
	Failed      int               `json:"failed"`
	Candidates  int               `json:"candidates"`
	Rejected    int               `json:"rejected"`
	Past        int               `json:"past"`
	Duplicates  int               `json:"duplicates"`
	EventsAdded int               `json:"events_added"`
	Truncated   int               `json:"truncated"`
	Purged      int64             `json:"purged"`
	Errors      map[string]string `json:"errors,omitempty"`
	Aborted     bool              `json:"aborted,omitempty"`
}

// Config bounds a run.
type Config struct {
	Workers       int
	SourceTimeout time.Duration
}

// Runner fans sources out to a bounded worker pool.
type Runner struct {
	sources   SourceLister
	processor Processor
	publisher messaging.Publisher
	purger    Purger
	logger    *logging.Logger
	cfg       Config
}

// NewRunner creates a Runner. A nil publisher disables summary publishing.
func NewRunner(sources SourceLister, processor Processor, publisher messaging.Publisher, logger *logging.Logger, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		sources:   sources,
		processor: processor,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// WithPurger makes every run end with a purge of expired events.
func (r *Runner) WithPurger(p Purger) *Runner {
	r.purger = p
	return r
}

// Run harvests every registered source once. A failing source is recorded in
// the summary and never fails the run. Sources not started before ctx is done
// are reported as aborted.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		runID = uuid.New()
	}
	summary := &Summary{RunID: runID.String(), StartedAt: time.Now().UTC(), Errors: map[string]string{}}
	ctx = logging.ContextWithRunID(ctx, summary.RunID)

	sources, err := r.sources.ListSources(ctx)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("harvest", "error").Inc()
		return nil, fmt.Errorf("list sources: %w", err)
	}
	summary.Sources = len(sources)
	r.logger.InfoContext(ctx, "harvest run started", logging.Count(len(sources)), "workers", r.cfg.Workers)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)

	for _, src := range sources {
		if ctx.Err() != nil {
			mu.Lock()
			summary.Aborted = true
			summary.Failed++
			summary.Errors[src.ID] = ctx.Err().Error()
			mu.Unlock()
			continue
		}
		src := src
		g.Go(func() error {
			res := r.processOne(ctx, src)
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if r.purger != nil && ctx.Err() == nil {
		purged, err := r.purger.PurgeExpired(ctx, time.Now().UTC())
		if err != nil {
			r.logger.WarnContext(ctx, "failed to purge expired events", logging.Error(err))
		} else {
			summary.Purged = purged
			metrics.EventsPurged.Add(float64(purged))
		}
	}

	summary.FinishedAt = time.Now().UTC()
	elapsed := summary.FinishedAt.Sub(summary.StartedAt)
	summary.DurationMS = elapsed.Milliseconds()
	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}

	status := "ok"
	if summary.Aborted {
		status = "aborted"
	}
	metrics.RunsTotal.WithLabelValues("harvest", status).Inc()
	metrics.RunDuration.WithLabelValues("harvest").Observe(elapsed.Seconds())

	r.logger.InfoContext(ctx, "harvest run completed",
		logging.Duration(elapsed),
		"processed", summary.Processed,
		"unchanged", summary.Unchanged,
		"rate_limited", summary.RateLimited,
		"failed", summary.Failed,
		"events_added", summary.EventsAdded,
		"purged", summary.Purged,
	)

	if err := messaging.PublishJSON(ctx, r.publisher, messaging.SubjectRunsCompleted, summary); err != nil {
		r.logger.WarnContext(ctx, "failed to publish run summary", logging.Error(err))
	}
	return summary, nil
}

func (r *Runner) processOne(ctx context.Context, src *models.Source) pipeline.SourceResult {
	if r.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SourceTimeout)
		defer cancel()
	}

	res := r.processor.Process(ctx, src)
	if res.Err != nil {
		r.logger.WarnContext(ctx, "source failed",
			logging.SourceID(src.ID), logging.URL(src.URL), logging.Error(res.Err))
	}
	return res
}

func (s *Summary) add(res pipeline.SourceResult) {
	switch res.Outcome {
	case pipeline.OutcomeProcessed:
		s.Processed++
	case pipeline.OutcomeUnchanged:
		s.Unchanged++
	case pipeline.OutcomeRateLimited:
		s.RateLimited++
	default:
		s.Failed++
	}
	if res.Err != nil {
		s.Errors[res.SourceID] = res.Err.Error()
	}
	if res.Truncated {
		s.Truncated++
	}
	s.Candidates += res.Candidates
	s.Rejected += res.Rejected
	s.Past += res.Past
	s.Duplicates += res.Commit.Duplicates
	s.EventsAdded += res.Commit.Inserted
}
