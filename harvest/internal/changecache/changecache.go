// Package changecache decides whether a source's content changed since the
// last successful run.
package changecache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
	"github.com/telhawk-systems/sprout/harvest/internal/repository"
	"github.com/zeebo/blake3"
)

// Store is the subset of the repository the cache needs.
type Store interface {
	GetSource(ctx context.Context, id string) (*models.Source, error)
	UpdateSourceState(ctx context.Context, id, fingerprint string, processedAt time.Time, eventCount int) error
}

// Decision is the outcome of ShouldProcess.
type Decision struct {
	Skip        bool
	Fingerprint string
	// Previous is the stored fingerprint, empty on a first run.
	Previous string
}

// Cache maps a source to the fingerprint of its last processed content.
type Cache struct {
	store Store
}

// New creates a Cache backed by store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Fingerprint returns the hex BLAKE3-256 digest of normalized content.
func Fingerprint(normalized string) string {
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ShouldProcess fingerprints normalized and compares it with the stored value.
// Skip is true only when a previous fingerprint exists and matches exactly.
// It never writes; the caller records the fingerprint after a successful commit.
func (c *Cache) ShouldProcess(ctx context.Context, sourceID, normalized string) (Decision, error) {
	fp := Fingerprint(normalized)

	src, err := c.store.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, repository.ErrSourceNotFound) {
			return Decision{Fingerprint: fp}, nil
		}
		return Decision{}, fmt.Errorf("load fingerprint for %s: %w", sourceID, err)
	}

	return Decision{
		Skip:        src.ContentFingerprint != "" && src.ContentFingerprint == fp,
		Fingerprint: fp,
		Previous:    src.ContentFingerprint,
	}, nil
}

// Record stores the fingerprint and run metadata for sourceID.
func (c *Cache) Record(ctx context.Context, sourceID, fingerprint string, eventCount int, processedAt time.Time) error {
	if err := c.store.UpdateSourceState(ctx, sourceID, fingerprint, processedAt, eventCount); err != nil {
		return fmt.Errorf("record fingerprint for %s: %w", sourceID, err)
	}
	return nil
}
