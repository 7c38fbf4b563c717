// Package pipeline runs one source through fetch, change detection,
// extraction, validation and commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/harvest/internal/changecache"
	"github.com/telhawk-systems/sprout/harvest/internal/committer"
	"github.com/telhawk-systems/sprout/harvest/internal/diag"
	"github.com/telhawk-systems/sprout/harvest/internal/extractor"
	"github.com/telhawk-systems/sprout/harvest/internal/fetcher"
	"github.com/telhawk-systems/sprout/harvest/internal/metrics"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/normalizer"
	"github.com/telhawk-systems/sprout/harvest/internal/ratelimit"
	"github.com/telhawk-systems/sprout/harvest/internal/validator"
)

// ErrRateLimited is returned when the extraction quota is exhausted.
var ErrRateLimited = errors.New("extraction quota exhausted")

// quotaKey is the rate limiter key shared by all extraction calls.
const quotaKey = "extract"

// Outcome classifies how a source finished.
type Outcome string

const (
	OutcomeProcessed   Outcome = "processed"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

// ChangeCache gates extraction on content changes.
type ChangeCache interface {
	ShouldProcess(ctx context.Context, sourceID, normalized string) (changecache.Decision, error)
}

// Committer writes validated events and records the fingerprint.
type Committer interface {
	Commit(ctx context.Context, src *models.Source, fingerprint string, events []models.Event) (committer.Result, error)
}

// SourceResult describes one source's pass through the pipeline.
type SourceResult struct {
	SourceID   string           `json:"source_id"`
	URL        string           `json:"url"`
	Outcome    Outcome          `json:"outcome"`
	Truncated  bool             `json:"truncated,omitempty"`
	Candidates int              `json:"candidates"`
	Rejected   int              `json:"rejected"`
	Past       int              `json:"past"`
	Commit     committer.Result `json:"commit"`
	Duration   time.Duration    `json:"duration"`
	Err        error            `json:"-"`
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Fetcher        fetcher.Fetcher
	Normalizer     *normalizer.Normalizer
	Cache          ChangeCache
	Limiter        ratelimit.RateLimiter
	Extractor      extractor.Extractor
	Validator      *validator.Validator
	Committer      Committer
	Sink           diag.Sink
	Logger         *logging.Logger
	Profile        string
	FetchTimeout   time.Duration
	ExtractTimeout time.Duration
	Now            func() time.Time
}

// Pipeline processes single sources. It is safe for concurrent use when its
// collaborators are.
type Pipeline struct {
	d Deps
}

// New builds a Pipeline. Limiter, Sink, Logger and Now have defaults.
func New(d Deps) *Pipeline {
	if d.Limiter == nil {
		d.Limiter = &ratelimit.NoOpRateLimiter{}
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Sink == nil {
		d.Sink = diag.NewLogSink(d.Logger)
	}
	if d.Normalizer == nil {
		d.Normalizer = normalizer.New(0)
	}
	if d.Profile == "" {
		d.Profile = extractor.DefaultProfile
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{d: d}
}

// Process runs src through the pipeline. Failures are reported in the result
// and never panic; the caller moves on to the next source.
func (p *Pipeline) Process(ctx context.Context, src *models.Source) SourceResult {
	started := time.Now()
	res := SourceResult{SourceID: src.ID, URL: src.URL}

	res.Err = p.process(ctx, src, &res)
	res.Duration = time.Since(started)

	switch {
	case res.Err == nil:
	case errors.Is(res.Err, ErrRateLimited):
		res.Outcome = OutcomeRateLimited
	default:
		res.Outcome = OutcomeFailed
	}
	metrics.SourcesTotal.WithLabelValues(string(res.Outcome)).Inc()

	if res.Err == nil {
		diag.Emit(ctx, p.d.Sink, diag.Diagnostic{
			Kind:     diag.KindSourceCompleted,
			Level:    slog.LevelInfo,
			SourceID: src.ID,
			Message:  "source processed",
			Attrs: map[string]any{
				"outcome":    string(res.Outcome),
				"candidates": res.Candidates,
				"inserted":   res.Commit.Inserted,
				"duration":   res.Duration.Milliseconds(),
			},
		})
	}
	return res
}

func (p *Pipeline) process(ctx context.Context, src *models.Source, res *SourceResult) error {
	raw, err := p.fetch(ctx, src.URL)
	if err != nil {
		p.emit(ctx, src, diag.KindFetchFailed, slog.LevelWarn, "fetch failed", map[string]any{"error": err.Error()})
		return err
	}

	if p.d.Normalizer.Exceeds(raw) {
		res.Truncated = true
		metrics.ContentTruncations.Inc()
		p.emit(ctx, src, diag.KindContentTruncated, slog.LevelWarn, "content truncated before fingerprinting",
			map[string]any{"max_chars": p.d.Normalizer.MaxChars()})
	}

	normalized := p.d.Normalizer.Normalize(raw)
	decision, err := p.d.Cache.ShouldProcess(ctx, src.ID, normalized)
	if err != nil {
		return err
	}
	if decision.Skip {
		res.Outcome = OutcomeUnchanged
		p.emit(ctx, src, diag.KindCacheHit, slog.LevelDebug, "content unchanged, skipping extraction", nil)
		return nil
	}
	p.emit(ctx, src, diag.KindCacheMiss, slog.LevelDebug, "content changed",
		map[string]any{"fingerprint": decision.Fingerprint, "previous": decision.Previous})

	allowed, err := p.d.Limiter.Allow(ctx, quotaKey)
	if err != nil {
		p.d.Logger.WarnContext(ctx, "quota check failed, proceeding", logging.SourceID(src.ID), logging.Error(err))
	} else if !allowed {
		p.emit(ctx, src, diag.KindRateLimited, slog.LevelWarn, "extraction quota exhausted, source deferred", nil)
		return ErrRateLimited
	}

	candidates, err := p.extract(ctx, p.d.Normalizer.Window(raw))
	if err != nil {
		p.emit(ctx, src, diag.KindExtractFailed, slog.LevelWarn, "extraction failed", map[string]any{
			"error":       err.Error(),
			"unparseable": errors.Is(err, extractor.ErrUnparseable),
		})
		return err
	}
	res.Candidates = len(candidates)

	now := p.d.Now()
	events := make([]models.Event, 0, len(candidates))
	for _, c := range candidates {
		switch out := p.d.Validator.Validate(c, src, now).(type) {
		case validator.Validated:
			events = append(events, out.Event)
		case validator.Rejected:
			metrics.CandidatesRejected.WithLabelValues(string(out.Reason)).Inc()
			if out.Reason == validator.ReasonPastEvent {
				res.Past++
				p.emit(ctx, src, diag.KindPastEvent, slog.LevelDebug, "past event dropped",
					map[string]any{"title": c.Title, "start": out.Detail})
				continue
			}
			res.Rejected++
			p.emit(ctx, src, diag.KindCandidateRejected, slog.LevelInfo, "candidate rejected",
				map[string]any{"reason": string(out.Reason), "detail": out.Detail, "title": c.Title})
		}
	}

	commit, err := p.d.Committer.Commit(ctx, src, decision.Fingerprint, events)
	res.Commit = commit
	if err != nil {
		return fmt.Errorf("commit %s: %w", src.ID, err)
	}
	res.Outcome = OutcomeProcessed
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, url string) (string, error) {
	if p.d.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.d.FetchTimeout)
		defer cancel()
	}
	return p.d.Fetcher.Fetch(ctx, url)
}

func (p *Pipeline) extract(ctx context.Context, text string) ([]models.Candidate, error) {
	if p.d.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.d.ExtractTimeout)
		defer cancel()
	}
	started := time.Now()
	defer func() { metrics.ExtractionDuration.Observe(time.Since(started).Seconds()) }()

	return p.d.Extractor.Extract(ctx, text, p.d.Profile)
}

func (p *Pipeline) emit(ctx context.Context, src *models.Source, kind diag.Kind, level slog.Level, msg string, attrs map[string]any) {
	diag.Emit(ctx, p.d.Sink, diag.Diagnostic{
		Kind:     kind,
		Level:    level,
		SourceID: src.ID,
		Message:  msg,
		Attrs:    attrs,
	})
}
