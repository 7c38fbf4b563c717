package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/sprout/common/messaging"
	"github.com/telhawk-systems/sprout/harvest/internal/changecache"
	"github.com/telhawk-systems/sprout/harvest/internal/committer"
	"github.com/telhawk-systems/sprout/harvest/internal/diag"
	"github.com/telhawk-systems/sprout/harvest/internal/geocode"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/normalizer"
	"github.com/telhawk-systems/sprout/harvest/internal/pipeline"
	"github.com/telhawk-systems/sprout/harvest/internal/repository"
	"github.com/telhawk-systems/sprout/harvest/internal/validator"
)

type staticSources []*models.Source

func (s staticSources) ListSources(context.Context) ([]*models.Source, error) { return s, nil }

type failingSources struct{}

func (failingSources) ListSources(context.Context) ([]*models.Source, error) {
	return nil, errors.New("db down")
}

type fakeProcessor struct {
	results  map[string]pipeline.SourceResult
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeProcessor) Process(ctx context.Context, src *models.Source) pipeline.SourceResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if res, ok := f.results[src.ID]; ok {
		res.SourceID = src.ID
		return res
	}
	return pipeline.SourceResult{SourceID: src.ID, Outcome: pipeline.OutcomeUnchanged}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	return p.Publish(ctx, msg.Subject, msg.Data)
}

func (p *recordingPublisher) Close() error { return nil }

func sources(n int) staticSources {
	out := make(staticSources, n)
	for i := range out {
		out[i] = &models.Source{ID: fmt.Sprintf("src-%d", i), URL: fmt.Sprintf("https://site%d.example.org/events", i)}
	}
	return out
}

func TestRun_AggregatesAndIsolatesFailures(t *testing.T) {
	proc := &fakeProcessor{results: map[string]pipeline.SourceResult{
		"src-0": {Outcome: pipeline.OutcomeProcessed, Candidates: 3, Rejected: 1, Commit: committer.Result{Inserted: 2}},
		"src-1": {Outcome: pipeline.OutcomeFailed, Err: errors.New("fetch src-1: status 503")},
		"src-2": {Outcome: pipeline.OutcomeRateLimited, Err: pipeline.ErrRateLimited},
		"src-3": {Outcome: pipeline.OutcomeProcessed, Truncated: true, Past: 2, Commit: committer.Result{Inserted: 1, Duplicates: 1}},
	}}
	pub := &recordingPublisher{}
	r := NewRunner(sources(5), proc, pub, nil, Config{Workers: 3})

	summary, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 5, summary.Sources)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Unchanged)
	assert.Equal(t, 1, summary.RateLimited)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.EventsAdded)
	assert.Equal(t, 3, summary.Candidates)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 2, summary.Past)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, summary.Truncated)
	assert.Len(t, summary.Errors, 2)
	assert.Contains(t, summary.Errors["src-1"], "503")
	assert.False(t, summary.Aborted)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, messaging.SubjectRunsCompleted, pub.subjects[0])
	var published Summary
	require.NoError(t, json.Unmarshal(pub.payloads[0], &published))
	assert.Equal(t, summary.RunID, published.RunID)
}

func TestRun_BoundedWorkers(t *testing.T) {
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	r := NewRunner(sources(8), proc, nil, nil, Config{Workers: 2})

	summary, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 8, summary.Unchanged)
	assert.LessOrEqual(t, proc.maxSeen.Load(), int32(2))
	assert.Nil(t, summary.Errors)
}

func TestRun_CancelledBudgetAbortsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(sources(3), &fakeProcessor{}, nil, nil, Config{Workers: 1})

	summary, err := r.Run(ctx)

	require.NoError(t, err)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 3, summary.Failed)
}

func TestRun_ListFailure(t *testing.T) {
	r := NewRunner(failingSources{}, &fakeProcessor{}, nil, nil, Config{Workers: 1})

	_, err := r.Run(context.Background())
	assert.Error(t, err)
}

type pageFetcher map[string]string

func (f pageFetcher) Fetch(_ context.Context, url string) (string, error) {
	if page, ok := f[url]; ok {
		return page, nil
	}
	return "", errors.New("unreachable")
}

type countingExtractor struct{ calls atomic.Int32 }

func (e *countingExtractor) Extract(_ context.Context, text, _ string) ([]models.Candidate, error) {
	e.calls.Add(1)
	return []models.Candidate{{Title: "Storytime: " + text[:12], Venue: "Library", StartISO: "2030-01-01T10:00"}}, nil
}

type nullGeocoder struct{}

func (nullGeocoder) Geocode(context.Context, string) ([]geocode.Match, error) { return nil, nil }

func TestRun_SecondIdenticalRunMakesNoCallsOrWrites(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemoryRepository()
	pages := pageFetcher{}
	for i := 0; i < 4; i++ {
		src, err := models.NewSource(fmt.Sprintf("https://branch%d.example.org/kids", i), "", models.OriginImport)
		require.NoError(t, err)
		_, err = repo.UpsertSource(ctx, src)
		require.NoError(t, err)
		pages[src.URL] = fmt.Sprintf("Branch %02d events listing page", i)
	}

	cache := changecache.New(repo)
	resolver := geocode.NewResolver(nullGeocoder{}, nil, geocode.Options{}, nil)
	extract := &countingExtractor{}
	p := pipeline.New(pipeline.Deps{
		Fetcher:    pages,
		Normalizer: normalizer.New(0),
		Cache:      cache,
		Extractor:  extract,
		Validator:  validator.New(time.UTC),
		Committer:  committer.New(repo, cache, resolver, diag.NewRecorder()),
		Sink:       diag.NewRecorder(),
	})
	r := NewRunner(repo, p, nil, nil, Config{Workers: 2, SourceTimeout: time.Minute})

	first, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Processed)
	assert.Equal(t, 4, first.EventsAdded)
	writes := repo.Writes()

	second, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, second.Unchanged)
	assert.Zero(t, second.EventsAdded)
	assert.Equal(t, int32(4), extract.calls.Load())
	assert.Equal(t, writes, repo.Writes())
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_PurgesExpiredEvents(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemoryRepository()
	old := &models.Event{ID: "old", ExpireAt: time.Now().Add(-time.Hour)}
	fresh := &models.Event{ID: "fresh", ExpireAt: time.Now().Add(time.Hour)}
	_, err := repo.CreateEvents(ctx, []*models.Event{old, fresh})
	require.NoError(t, err)

	r := NewRunner(sources(1), &fakeProcessor{}, nil, nil, Config{Workers: 1}).WithPurger(repo)
	summary, err := r.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Purged)
	assert.Equal(t, 1, repo.EventCount())
}
