package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// InMemoryRepository keeps sources and events in maps. It backs tests and
// dry runs with --store memory.
type InMemoryRepository struct {
	mu      sync.RWMutex
	sources map[string]*models.Source
	events  map[string]*models.Event

	// FailCreate makes CreateEvents return this error when set.
	FailCreate error

	writes int
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sources: make(map[string]*models.Source),
		events:  make(map[string]*models.Event),
	}
}

func (r *InMemoryRepository) GetSource(_ context.Context, id string) (*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.sources[id]
	if !ok {
		return nil, ErrSourceNotFound
	}
	cp := *src
	return &cp, nil
}

func (r *InMemoryRepository) ListSources(_ context.Context) ([]*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Source, 0, len(r.sources))
	for _, src := range r.sources {
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *InMemoryRepository) UpsertSource(_ context.Context, src *models.Source) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sources[src.ID]
	if !ok {
		cp := *src
		r.sources[src.ID] = &cp
		return true, nil
	}
	if existing.VenueHint == "" {
		existing.VenueHint = src.VenueHint
	}
	if existing.KnownLocation == nil && src.KnownLocation != nil {
		loc := *src.KnownLocation
		existing.KnownLocation = &loc
	}
	return false, nil
}

func (r *InMemoryRepository) UpdateSourceState(_ context.Context, id, fingerprint string, processedAt time.Time, eventCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[id]
	if !ok {
		return ErrSourceNotFound
	}
	at := processedAt.UTC()
	src.ContentFingerprint = fingerprint
	src.LastProcessedAt = &at
	src.LastEventCount = eventCount
	return nil
}

func (r *InMemoryRepository) EventExists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.events[id]
	return ok, nil
}

func (r *InMemoryRepository) GetEvent(_ context.Context, id string) (*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	evt, ok := r.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *evt
	return &cp, nil
}

func (r *InMemoryRepository) CreateEvents(_ context.Context, events []*models.Event) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailCreate != nil {
		return nil, r.FailCreate
	}

	inserted := make([]string, 0, len(events))
	for _, evt := range events {
		if _, ok := r.events[evt.ID]; ok {
			continue
		}
		cp := *evt
		r.events[evt.ID] = &cp
		inserted = append(inserted, evt.ID)
		r.writes++
	}
	return inserted, nil
}

func (r *InMemoryRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for id, evt := range r.events {
		if evt.ExpireAt.Before(now) {
			delete(r.events, id)
			purged++
		}
	}
	return purged, nil
}

// EventCount returns the number of stored events.
func (r *InMemoryRepository) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Writes returns the number of event inserts performed so far.
func (r *InMemoryRepository) Writes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

func (r *InMemoryRepository) Ping(context.Context) error { return nil }

func (r *InMemoryRepository) Close() error { return nil }
