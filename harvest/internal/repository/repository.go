package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrEventNotFound  = errors.New("event not found")
)

// Repository is the document store behind the harvest pipeline.
type Repository interface {
	GetSource(ctx context.Context, id string) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)
	// UpsertSource registers src. An existing registration keeps its cache
	// state; only a missing venue hint or known location is filled in.
	// created reports whether src was new.
	UpsertSource(ctx context.Context, src *models.Source) (created bool, err error)
	UpdateSourceState(ctx context.Context, id, fingerprint string, processedAt time.Time, eventCount int) error

	EventExists(ctx context.Context, id string) (bool, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	// CreateEvents writes events atomically with create-if-absent semantics
	// and returns the IDs that were actually inserted.
	CreateEvents(ctx context.Context, events []*models.Event) ([]string, error)
	// PurgeExpired deletes events whose expire_at is before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
