package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/telhawk-systems/sprout/common/database"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool     *pgxpool.Pool
	timeouts database.Timeouts
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool, timeouts: database.DefaultTimeouts()}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.timeouts.ReadContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const sourceColumns = `
	source_id, url, venue_hint, known_lat, known_lng, content_fingerprint,
	last_processed_at, last_event_count, origin, created_at`

func scanSource(row pgx.Row) (*models.Source, error) {
	var (
		src      models.Source
		lat, lng *float64
	)
	err := row.Scan(
		&src.ID, &src.URL, &src.VenueHint, &lat, &lng, &src.ContentFingerprint,
		&src.LastProcessedAt, &src.LastEventCount, &src.Origin, &src.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		src.KnownLocation = &models.Location{Lat: *lat, Lng: *lng}
	}
	return &src, nil
}

func (r *PostgresRepository) GetSource(ctx context.Context, id string) (*models.Source, error) {
	ctx, cancel := r.timeouts.ReadContext(ctx)
	defer cancel()

	query := `SELECT` + sourceColumns + ` FROM sources WHERE source_id = $1`

	src, err := scanSource(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

func (r *PostgresRepository) ListSources(ctx context.Context) ([]*models.Source, error) {
	ctx, cancel := r.timeouts.BulkContext(ctx)
	defer cancel()

	query := `SELECT` + sourceColumns + ` FROM sources ORDER BY created_at, source_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sources: %w", err)
	}
	return sources, nil
}

func (r *PostgresRepository) UpsertSource(ctx context.Context, src *models.Source) (bool, error) {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	var lat, lng *float64
	if src.KnownLocation != nil {
		lat, lng = &src.KnownLocation.Lat, &src.KnownLocation.Lng
	}
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// xmax = 0 only for a freshly inserted row.
	query := `
		INSERT INTO sources (source_id, url, venue_hint, known_lat, known_lng, origin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id) DO UPDATE SET
			venue_hint = CASE WHEN sources.venue_hint = '' THEN EXCLUDED.venue_hint ELSE sources.venue_hint END,
			known_lat  = COALESCE(sources.known_lat, EXCLUDED.known_lat),
			known_lng  = COALESCE(sources.known_lng, EXCLUDED.known_lng)
		RETURNING (xmax = 0)
	`

	var created bool
	err := r.pool.QueryRow(ctx, query,
		src.ID, src.URL, src.VenueHint, lat, lng, src.Origin, createdAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert source: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) UpdateSourceState(ctx context.Context, id, fingerprint string, processedAt time.Time, eventCount int) error {
	ctx, cancel := r.timeouts.WriteContext(ctx)
	defer cancel()

	query := `
		UPDATE sources
		SET content_fingerprint = $2, last_processed_at = $3, last_event_count = $4
		WHERE source_id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, fingerprint, processedAt.UTC(), eventCount)
	if err != nil {
		return fmt.Errorf("failed to update source state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSourceNotFound
	}
	return nil
}

func (r *PostgresRepository) EventExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.timeouts.ReadContext(ctx)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE event_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ctx, cancel := r.timeouts.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT event_id, source_id, title, venue, description, start_time, end_time,
			age_range, is_free, requires_booking, registration_url, latitude, longitude,
			geohash, address, source_url, created_at, expire_at
		FROM events
		WHERE event_id = $1
	`

	var evt models.Event
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&evt.ID, &evt.SourceID, &evt.Title, &evt.Venue, &evt.Description, &evt.StartTime, &evt.EndTime,
		&evt.AgeRange, &evt.IsFree, &evt.RequiresBooking, &evt.RegistrationURL, &evt.Latitude, &evt.Longitude,
		&evt.Geohash, &evt.Address, &evt.SourceURL, &evt.CreatedAt, &evt.ExpireAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	evt.ExpireAt = evt.ExpireAt.UTC()
	return &evt, nil
}

// CreateEvents inserts all events in one transaction. Rows whose event_id
// already exists are left untouched.
func (r *PostgresRepository) CreateEvents(ctx context.Context, events []*models.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	ctx, cancel := r.timeouts.BulkContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO events (
			event_id, source_id, title, venue, description, start_time, end_time,
			age_range, is_free, requires_booking, registration_url, latitude, longitude,
			geohash, address, source_url, created_at, expire_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id
	`

	batch := &pgx.Batch{}
	for _, evt := range events {
		batch.Queue(query,
			evt.ID, evt.SourceID, evt.Title, evt.Venue, evt.Description, evt.StartTime, evt.EndTime,
			evt.AgeRange, evt.IsFree, evt.RequiresBooking, evt.RegistrationURL, evt.Latitude, evt.Longitude,
			evt.Geohash, evt.Address, evt.SourceURL, evt.CreatedAt, evt.ExpireAt.UTC(),
		)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := make([]string, 0, len(events))
	for range events {
		var id string
		if err := results.QueryRow().Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			_ = results.Close()
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		inserted = append(inserted, id)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}
	return inserted, nil
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.timeouts.BulkContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE expire_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}
