package committer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/sprout/harvest/internal/changecache"
	"github.com/telhawk-systems/sprout/harvest/internal/diag"
	"github.com/telhawk-systems/sprout/harvest/internal/geocode"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/repository"
	"github.com/telhawk-systems/sprout/harvest/internal/search"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubResolver struct {
	res   geocode.Resolution
	calls int
}

func (s *stubResolver) Resolve(_ context.Context, _ string, known *models.Location) geocode.Resolution {
	s.calls++
	if known != nil {
		lat, lng := known.Lat, known.Lng
		return geocode.Resolution{Lat: &lat, Lng: &lng, Status: geocode.StatusKnown}
	}
	return s.res
}

type stubMirror struct {
	got []*models.Event
	err error
}

func (m *stubMirror) IndexEvents(_ context.Context, events []*models.Event) (*search.IndexResult, error) {
	m.got = append(m.got, events...)
	return &search.IndexResult{Indexed: len(events)}, m.err
}

type fixture struct {
	repo     *repository.InMemoryRepository
	recorder *diag.Recorder
	resolver *stubResolver
	mirror   *stubMirror
	source   *models.Source
	c        *Committer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewInMemoryRepository()
	src, err := models.NewSource("https://lib.example.org/kids", "Main Library", models.OriginManual)
	require.NoError(t, err)
	_, err = repo.UpsertSource(context.Background(), src)
	require.NoError(t, err)

	lat, lng := 37.8, -122.27
	addr := "125 14th St, Oakland, CA"
	f := &fixture{
		repo:     repo,
		recorder: diag.NewRecorder(),
		resolver: &stubResolver{res: geocode.Resolution{Lat: &lat, Lng: &lng, Address: &addr, Status: geocode.StatusResolved}},
		mirror:   &stubMirror{},
		source:   src,
	}
	f.c = New(repo, changecache.New(repo), f.resolver, f.recorder,
		WithMirror(f.mirror), WithClock(func() time.Time { return fixedNow }))
	return f
}

func event(id string, start time.Time) models.Event {
	return models.Event{
		ID:        id,
		Title:     "Storytime " + id,
		Venue:     "Main Library",
		StartTime: start.Unix(),
		AgeRange:  models.AgeAll,
		IsFree:    true,
	}
}

func TestCommit_WritesNewEventsAndRecordsFingerprint(t *testing.T) {
	f := newFixture(t)
	start := fixedNow.Add(48 * time.Hour)

	res, err := f.c.Commit(context.Background(), f.source, "fp-1", []models.Event{event("a", start), event("b", start)})

	require.NoError(t, err)
	assert.Equal(t, Result{Staged: 2, Inserted: 2, Geocoded: 2}, res)

	stored, err := f.repo.GetEvent(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Unix(), stored.CreatedAt)
	assert.Equal(t, start.Add(24*time.Hour).Unix(), stored.ExpireAt.Unix())
	require.NotNil(t, stored.Geohash)
	assert.Len(t, *stored.Geohash, geocode.GeohashPrecision)
	require.NotNil(t, stored.Address)

	src, err := f.repo.GetSource(context.Background(), f.source.ID)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", src.ContentFingerprint)
	assert.Equal(t, 2, src.LastEventCount)
	require.NotNil(t, src.LastProcessedAt)
	assert.True(t, fixedNow.Equal(*src.LastProcessedAt))

	assert.Len(t, f.mirror.got, 2)
}

func TestCommit_ExpiryUsesEndWhenPresent(t *testing.T) {
	f := newFixture(t)
	start := fixedNow.Add(48 * time.Hour)
	e := event("a", start)
	end := start.Add(2 * time.Hour).Unix()
	e.EndTime = &end

	_, err := f.c.Commit(context.Background(), f.source, "fp", []models.Event{e})
	require.NoError(t, err)

	stored, err := f.repo.GetEvent(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, end+int64((24*time.Hour).Seconds()), stored.ExpireAt.Unix())
}

func TestCommit_DuplicateInRunKeepsFirst(t *testing.T) {
	f := newFixture(t)
	start := fixedNow.Add(48 * time.Hour)
	first := event("same", start)
	second := event("same", start.Add(3*time.Hour))
	second.Title = "Second session"

	res, err := f.c.Commit(context.Background(), f.source, "fp", []models.Event{first, second})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, f.recorder.Count(diag.KindDuplicateInRun))

	stored, err := f.repo.GetEvent(context.Background(), "same")
	require.NoError(t, err)
	assert.Equal(t, first.Title, stored.Title)
	assert.Equal(t, 1, f.repo.Writes())
	assert.Equal(t, 1, f.resolver.calls)
}

func TestCommit_ExistingEventsSkippedBeforeGeocoding(t *testing.T) {
	f := newFixture(t)
	start := fixedNow.Add(48 * time.Hour)
	_, err := f.c.Commit(context.Background(), f.source, "fp-1", []models.Event{event("a", start)})
	require.NoError(t, err)
	f.resolver.calls = 0

	res, err := f.c.Commit(context.Background(), f.source, "fp-2", []models.Event{event("a", start), event("b", start)})

	require.NoError(t, err)
	assert.Equal(t, Result{Staged: 1, Inserted: 1, Existing: 1, Geocoded: 1}, res)
	assert.Equal(t, 1, f.resolver.calls)
	assert.Equal(t, 1, f.recorder.Count(diag.KindAlreadyExists))
}

func TestCommit_ZeroEventsStillRecordsFingerprint(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.Commit(context.Background(), f.source, "fp-empty", nil)

	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, f.repo.Writes())

	src, err := f.repo.GetSource(context.Background(), f.source.ID)
	require.NoError(t, err)
	assert.Equal(t, "fp-empty", src.ContentFingerprint)
	assert.Equal(t, 0, src.LastEventCount)
	assert.NotNil(t, src.LastProcessedAt)
}

func TestCommit_FailureLeavesFingerprintStale(t *testing.T) {
	f := newFixture(t)
	f.repo.FailCreate = errors.New("connection reset")

	_, err := f.c.Commit(context.Background(), f.source, "fp-new", []models.Event{event("a", fixedNow.Add(time.Hour))})

	require.Error(t, err)
	assert.Equal(t, 1, f.recorder.Count(diag.KindCommitFailed))

	src, err := f.repo.GetSource(context.Background(), f.source.ID)
	require.NoError(t, err)
	assert.Empty(t, src.ContentFingerprint)
	assert.Nil(t, src.LastProcessedAt)
	assert.Empty(t, f.mirror.got)
}

func TestCommit_GeocodeFailureStoresNulls(t *testing.T) {
	f := newFixture(t)
	f.resolver.res = geocode.Resolution{Status: geocode.StatusFailed, Query: "Nowhere Hall", Err: errors.New("no match")}

	res, err := f.c.Commit(context.Background(), f.source, "fp", []models.Event{event("a", fixedNow.Add(time.Hour))})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	stored, err := f.repo.GetEvent(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, stored.Latitude)
	assert.Nil(t, stored.Longitude)
	assert.Nil(t, stored.Geohash)
	assert.Nil(t, stored.Address)
	assert.Equal(t, 1, f.recorder.Count(diag.KindGeocodeFailed))
}

func TestCommit_KnownLocationUsed(t *testing.T) {
	f := newFixture(t)
	f.source.KnownLocation = &models.Location{Lat: 34.05, Lng: -118.24}

	_, err := f.c.Commit(context.Background(), f.source, "fp", []models.Event{event("a", fixedNow.Add(time.Hour))})
	require.NoError(t, err)

	stored, err := f.repo.GetEvent(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, stored.Latitude)
	assert.Equal(t, 34.05, *stored.Latitude)
	assert.Nil(t, stored.Address)
}

func TestCommit_OutOfBoundsWarns(t *testing.T) {
	f := newFixture(t)
	lat, lng := 45.5, -122.6
	f.resolver.res = geocode.Resolution{Lat: &lat, Lng: &lng, Status: geocode.StatusOutOfBounds}

	res, err := f.c.Commit(context.Background(), f.source, "fp", []models.Event{event("a", fixedNow.Add(time.Hour))})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, f.recorder.Count(diag.KindGeocodeOutOfBounds))
}

func TestCommit_MirrorFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.mirror.err = errors.New("opensearch down")

	res, err := f.c.Commit(context.Background(), f.source, "fp", []models.Event{event("a", fixedNow.Add(time.Hour))})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, f.recorder.Count(diag.KindSearchMirrorFailed))
}

func TestCommit_CacheUpdateFailure(t *testing.T) {
	f := newFixture(t)
	orphan := &models.Source{ID: "missing"}

	res, err := f.c.Commit(context.Background(), orphan, "fp", []models.Event{event("a", fixedNow.Add(time.Hour))})

	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrSourceNotFound)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, f.recorder.Count(diag.KindCacheUpdateFailed))
}
