// Package database holds the timeout policy shared by store implementations.
package database

import (
	"context"
	"time"
)

// Standard timeout durations for store operations
const (
	// DefaultReadTimeout bounds point reads and existence checks
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds single-row writes such as cache updates
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout bounds batch commits and purges
	DefaultBulkTimeout = 30 * time.Second
)

// Timeouts groups the per-operation deadlines applied by a repository.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Bulk  time.Duration
}

// DefaultTimeouts returns the standard read/write/bulk deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:  DefaultReadTimeout,
		Write: DefaultWriteTimeout,
		Bulk:  DefaultBulkTimeout,
	}
}

// ReadContext derives a context bounded by the read timeout.
func (t Timeouts) ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Read, DefaultReadTimeout))
}

// WriteContext derives a context bounded by the write timeout.
func (t Timeouts) WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Write, DefaultWriteTimeout))
}

// BulkContext derives a context bounded by the bulk timeout.
func (t Timeouts) BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, orDefault(t.Bulk, DefaultBulkTimeout))
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
