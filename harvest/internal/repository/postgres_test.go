package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations
func setupTestDatabase(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("sprout_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, runMigrations(connStr))

	repo, err := NewPostgresRepository(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

// runMigrations applies the init migration directly
func runMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrationSQL, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

func TestPostgresRepository(t *testing.T) {
	repo := setupTestDatabase(t)
	ctx := context.Background()

	src, err := models.NewSource("https://lib.example.org/kids", "", models.OriginManual)
	require.NoError(t, err)

	t.Run("upsert creates then preserves state", func(t *testing.T) {
		created, err := repo.UpsertSource(ctx, src)
		require.NoError(t, err)
		assert.True(t, created)

		require.NoError(t, repo.UpdateSourceState(ctx, src.ID, "fp-1", time.Now(), 2))

		again := *src
		again.VenueHint = "Main Library"
		again.KnownLocation = &models.Location{Lat: 37.8, Lng: -122.4}
		created, err = repo.UpsertSource(ctx, &again)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := repo.GetSource(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, "fp-1", got.ContentFingerprint)
		assert.Equal(t, 2, got.LastEventCount)
		assert.Equal(t, "Main Library", got.VenueHint)
		require.NotNil(t, got.LastProcessedAt)
		require.NotNil(t, got.KnownLocation)
		assert.InDelta(t, -122.4, got.KnownLocation.Lng, 0.0001)
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := repo.GetSource(ctx, "nope")
		assert.ErrorIs(t, err, ErrSourceNotFound)
		assert.ErrorIs(t, repo.UpdateSourceState(ctx, "nope", "fp", time.Now(), 0), ErrSourceNotFound)
	})

	t.Run("create events is write once", func(t *testing.T) {
		lat, lng := 37.8, -122.4
		start := time.Now().Add(48 * time.Hour).Unix()
		evt := &models.Event{
			ID: "evt-1", SourceID: src.ID, Title: "Storytime", Venue: "Branch A",
			StartTime: start, AgeRange: models.AgeAll, IsFree: true,
			Latitude: &lat, Longitude: &lng, SourceURL: src.URL,
			CreatedAt: time.Now().Unix(),
		}
		evt.ExpireAt = evt.ComputeExpiry()

		inserted, err := repo.CreateEvents(ctx, []*models.Event{evt})
		require.NoError(t, err)
		assert.Equal(t, []string{"evt-1"}, inserted)

		changed := *evt
		changed.Title = "Renamed"
		second := *evt
		second.ID = "evt-2"
		inserted, err = repo.CreateEvents(ctx, []*models.Event{&changed, &second})
		require.NoError(t, err)
		assert.Equal(t, []string{"evt-2"}, inserted)

		got, err := repo.GetEvent(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "Storytime", got.Title)
		assert.Nil(t, got.EndTime)
		assert.Nil(t, got.Geohash)
		assert.True(t, got.IsFree)

		exists, err := repo.EventExists(ctx, "evt-2")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("purge expired", func(t *testing.T) {
		past := &models.Event{
			ID: "evt-old", SourceID: src.ID, Title: "Old", Venue: "Branch A",
			StartTime: time.Now().Add(-72 * time.Hour).Unix(), AgeRange: models.AgeAll,
			SourceURL: src.URL, CreatedAt: time.Now().Unix(),
		}
		past.ExpireAt = past.ComputeExpiry()
		_, err := repo.CreateEvents(ctx, []*models.Event{past})
		require.NoError(t, err)

		purged, err := repo.PurgeExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		_, err = repo.GetEvent(ctx, "evt-old")
		assert.ErrorIs(t, err, ErrEventNotFound)
	})

	t.Run("list sources", func(t *testing.T) {
		list, err := repo.ListSources(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, src.ID, list[0].ID)
	})
}
