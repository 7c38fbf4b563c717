// Package committer writes a source's new events as one create-if-absent
// batch and then records the source's fingerprint.
package committer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/sprout/harvest/internal/diag"
	"github.com/telhawk-systems/sprout/harvest/internal/geocode"
	"github.com/telhawk-systems/sprout/harvest/internal/metrics"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/search"
)

// Store is the subset of the repository used by the committer.
type Store interface {
	EventExists(ctx context.Context, id string) (bool, error)
	CreateEvents(ctx context.Context, events []*models.Event) ([]string, error)
}

// FingerprintRecorder persists the change cache entry after a commit.
type FingerprintRecorder interface {
	Record(ctx context.Context, sourceID, fingerprint string, eventCount int, processedAt time.Time) error
}

// Resolver geocodes a venue.
type Resolver interface {
	Resolve(ctx context.Context, venue string, known *models.Location) geocode.Resolution
}

// Result counts what happened to a source's validated events.
type Result struct {
	Staged     int
	Inserted   int
	Duplicates int
	Existing   int
	Geocoded   int
}

// Committer stages and commits validated events.
type Committer struct {
	store    Store
	cache    FingerprintRecorder
	resolver Resolver
	mirror   search.Mirror
	sink     diag.Sink
	now      func() time.Time
}

// Option configures a Committer.
type Option func(*Committer)

// WithMirror mirrors inserted events to a search index.
func WithMirror(m search.Mirror) Option {
	return func(c *Committer) { c.mirror = m }
}

// WithClock overrides the clock used for createdAt and processedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Committer) { c.now = now }
}

// New constructs a Committer.
func New(store Store, cache FingerprintRecorder, resolver Resolver, sink diag.Sink, opts ...Option) *Committer {
	c := &Committer{
		store:    store,
		cache:    cache,
		resolver: resolver,
		sink:     sink,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit stages events in order, writes them atomically, then records
// fingerprint for the source. When the write fails the fingerprint is not
// recorded so the next run retries the source in full.
func (c *Committer) Commit(ctx context.Context, src *models.Source, fingerprint string, events []models.Event) (Result, error) {
	var res Result
	staged := make([]*models.Event, 0, len(events))
	seen := make(map[string]struct{}, len(events))

	for i := range events {
		event := events[i]

		if _, dup := seen[event.ID]; dup {
			res.Duplicates++
			diag.Emit(ctx, c.sink, diag.Diagnostic{
				Kind:     diag.KindDuplicateInRun,
				Level:    slog.LevelInfo,
				SourceID: src.ID,
				EventID:  event.ID,
				Message:  "duplicate event id in run, keeping first",
				Attrs:    map[string]any{"title": event.Title},
			})
			continue
		}
		seen[event.ID] = struct{}{}

		exists, err := c.store.EventExists(ctx, event.ID)
		if err != nil {
			c.commitFailed(ctx, src, err)
			return res, fmt.Errorf("check event %s: %w", event.ID, err)
		}
		if exists {
			res.Existing++
			diag.Emit(ctx, c.sink, diag.Diagnostic{
				Kind:     diag.KindAlreadyExists,
				Level:    slog.LevelDebug,
				SourceID: src.ID,
				EventID:  event.ID,
				Message:  "event already stored",
			})
			continue
		}

		if c.geocode(ctx, src, &event) {
			res.Geocoded++
		}

		event.CreatedAt = c.now().Unix()
		event.ExpireAt = event.ComputeExpiry()
		staged = append(staged, &event)
	}
	res.Staged = len(staged)

	var inserted []string
	if len(staged) > 0 {
		ids, err := c.store.CreateEvents(ctx, staged)
		if err != nil {
			c.commitFailed(ctx, src, err)
			return res, fmt.Errorf("commit %d events: %w", len(staged), err)
		}
		inserted = ids
	}
	res.Inserted = len(inserted)
	metrics.EventsAdded.Add(float64(res.Inserted))

	if err := c.cache.Record(ctx, src.ID, fingerprint, res.Inserted, c.now()); err != nil {
		diag.Emit(ctx, c.sink, diag.Diagnostic{
			Kind:     diag.KindCacheUpdateFailed,
			Level:    slog.LevelError,
			SourceID: src.ID,
			Message:  "events committed but fingerprint not recorded",
			Attrs:    map[string]any{"error": err.Error()},
		})
		return res, err
	}

	c.mirrorInserted(ctx, src, staged, inserted)
	return res, nil
}

func (c *Committer) geocode(ctx context.Context, src *models.Source, event *models.Event) bool {
	r := c.resolver.Resolve(ctx, event.Venue, src.KnownLocation)

	switch r.Status {
	case geocode.StatusFailed:
		attrs := map[string]any{"venue": event.Venue, "query": r.Query}
		if r.Err != nil {
			attrs["error"] = r.Err.Error()
		}
		diag.Emit(ctx, c.sink, diag.Diagnostic{
			Kind:     diag.KindGeocodeFailed,
			Level:    slog.LevelWarn,
			SourceID: src.ID,
			EventID:  event.ID,
			Message:  "venue not geocoded, storing without coordinates",
			Attrs:    attrs,
		})
	case geocode.StatusOutOfBounds:
		diag.Emit(ctx, c.sink, diag.Diagnostic{
			Kind:     diag.KindGeocodeOutOfBounds,
			Level:    slog.LevelWarn,
			SourceID: src.ID,
			EventID:  event.ID,
			Message:  "geocoded outside region bounds, accepted",
			Attrs:    map[string]any{"venue": event.Venue, "lat": *r.Lat, "lng": *r.Lng},
		})
	}

	event.Latitude = r.Lat
	event.Longitude = r.Lng
	event.Address = r.Address
	event.Geohash = r.Geohash()
	return r.Resolved()
}

func (c *Committer) commitFailed(ctx context.Context, src *models.Source, err error) {
	diag.Emit(ctx, c.sink, diag.Diagnostic{
		Kind:     diag.KindCommitFailed,
		Level:    slog.LevelError,
		SourceID: src.ID,
		Message:  "commit failed, fingerprint left stale",
		Attrs:    map[string]any{"error": err.Error()},
	})
}

func (c *Committer) mirrorInserted(ctx context.Context, src *models.Source, staged []*models.Event, inserted []string) {
	if c.mirror == nil || len(inserted) == 0 {
		return
	}

	ids := make(map[string]struct{}, len(inserted))
	for _, id := range inserted {
		ids[id] = struct{}{}
	}
	docs := make([]*models.Event, 0, len(inserted))
	for _, e := range staged {
		if _, ok := ids[e.ID]; ok {
			docs = append(docs, e)
		}
	}

	if _, err := c.mirror.IndexEvents(ctx, docs); err != nil {
		diag.Emit(ctx, c.sink, diag.Diagnostic{
			Kind:     diag.KindSearchMirrorFailed,
			Level:    slog.LevelWarn,
			SourceID: src.ID,
			Message:  "search mirror failed",
			Attrs:    map[string]any{"error": err.Error(), "count": len(docs)},
		})
	}
}
