// Package geocode resolves venue names to coordinates inside the target
// region.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcloughlin/geohash"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/harvest/internal/cache"
	"github.com/telhawk-systems/sprout/harvest/internal/config"
	"github.com/telhawk-systems/sprout/harvest/internal/metrics"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// GeohashPrecision yields cells of roughly 5m x 5m.
const GeohashPrecision = 9

// Match is one geocoder result.
type Match struct {
	Lat              float64 `msgpack:"lat"`
	Lng              float64 `msgpack:"lng"`
	FormattedAddress string  `msgpack:"address"`
}

// Geocoder looks up a free-form query. An empty slice means no match.
type Geocoder interface {
	Geocode(ctx context.Context, query string) ([]Match, error)
}

// Status describes how a Resolution was reached.
type Status string

const (
	StatusKnown       Status = "known"
	StatusResolved    Status = "resolved"
	StatusOutOfBounds Status = "out_of_bounds"
	StatusFailed      Status = "failed"
)

// Resolution holds coordinates and address, all nil when nothing resolved.
type Resolution struct {
	Lat     *float64
	Lng     *float64
	Address *string
	Status  Status
	Query   string
	Err     error
}

// Resolved reports whether coordinates are present.
func (r Resolution) Resolved() bool {
	return r.Lat != nil && r.Lng != nil
}

// Geohash encodes the resolved coordinates, or returns nil.
func (r Resolution) Geohash() *string {
	if !r.Resolved() {
		return nil
	}
	h := geohash.EncodeWithPrecision(*r.Lat, *r.Lng, GeohashPrecision)
	return &h
}

var errNoMatch = errors.New("no geocode match")

// Options configures a Resolver.
type Options struct {
	Qualifier         string
	BBox              config.BoundingBox
	Timeout           time.Duration
	RequestsPerSecond float64
	CacheTTL          time.Duration
}

// OptionsFromConfig builds Options from the region and geocoder sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Qualifier:         cfg.Region.Qualifier,
		BBox:              cfg.Region.BBox,
		Timeout:           cfg.Geocoder.Timeout,
		RequestsPerSecond: cfg.Geocoder.RequestsPerSecond,
		CacheTTL:          cfg.Geocoder.CacheTTL,
	}
}

// Resolver turns venues into a Resolution. It never returns an error.
type Resolver struct {
	geocoder Geocoder
	memo     cache.Cacher
	limiter  *rate.Limiter
	opts     Options
	logger   *logging.Logger
}

// NewResolver builds a Resolver. A nil memo disables memoization.
func NewResolver(g Geocoder, memo cache.Cacher, opts Options, logger *logging.Logger) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * 24 * time.Hour
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{
		geocoder: g,
		memo:     memo,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		logger:   logger,
	}
}

// Resolve returns known directly when set. Otherwise it queries the venue with
// the region qualifier, then the bare venue once if that found nothing, and
// takes the top match. A provider error fails the resolution outright.
func (r *Resolver) Resolve(ctx context.Context, venue string, known *models.Location) Resolution {
	if known != nil {
		lat, lng := known.Lat, known.Lng
		metrics.GeocodeLookups.WithLabelValues(string(StatusKnown)).Inc()
		return Resolution{Lat: &lat, Lng: &lng, Status: StatusKnown}
	}

	venue = strings.TrimSpace(venue)
	if venue == "" {
		return r.failed("", errNoMatch)
	}

	queries := []string{venue}
	if r.opts.Qualifier != "" {
		queries = []string{venue + ", " + r.opts.Qualifier, venue}
	}

	// Only an empty match list falls through to the bare venue; a provider
	// error fails the whole resolution.
	for _, q := range queries {
		matches, err := r.lookup(ctx, q)
		if err != nil {
			r.logger.DebugContext(ctx, "geocode lookup failed", logging.Error(err), "query", q)
			return r.failed(q, err)
		}
		if len(matches) == 0 {
			continue
		}

		top := matches[0]
		lat, lng := top.Lat, top.Lng
		res := Resolution{Lat: &lat, Lng: &lng, Status: StatusResolved, Query: q}
		if top.FormattedAddress != "" {
			addr := top.FormattedAddress
			res.Address = &addr
		}
		if !r.opts.BBox.Contains(lat, lng) {
			res.Status = StatusOutOfBounds
		}
		metrics.GeocodeLookups.WithLabelValues(string(res.Status)).Inc()
		return res
	}

	return r.failed(queries[len(queries)-1], errNoMatch)
}

func (r *Resolver) failed(query string, err error) Resolution {
	metrics.GeocodeLookups.WithLabelValues(string(StatusFailed)).Inc()
	return Resolution{Status: StatusFailed, Query: query, Err: err}
}

func (r *Resolver) lookup(ctx context.Context, query string) ([]Match, error) {
	call := func() ([]Match, bool, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("geocode pacing: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		matches, err := r.geocoder.Geocode(callCtx, query)
		if err != nil {
			return nil, false, fmt.Errorf("geocode %q: %w", query, err)
		}
		return matches, len(matches) > 0, nil
	}

	if r.memo == nil {
		matches, _, err := call()
		return matches, err
	}
	return cache.Fetch(ctx, r.memo, cache.Key("geocode", query), r.opts.CacheTTL, call)
}
