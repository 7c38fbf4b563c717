// Package discovery finds candidate source websites through a places search
// and registers them for harvesting.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/common/messaging"
	"github.com/telhawk-systems/sprout/harvest/internal/diag"
	"github.com/telhawk-systems/sprout/harvest/internal/metrics"
	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// Registry stores sources. UpsertSource reports whether the source was new.
type Registry interface {
	UpsertSource(ctx context.Context, src *models.Source) (bool, error)
}

// Config configures a Discoverer.
type Config struct {
	Cities      []string
	Queries     []string
	MaxPerQuery int
	Timeout     time.Duration
}

// Summary records one discovery run.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Queries    int       `json:"queries"`
	Failed     int       `json:"failed"`
	Places     int       `json:"places"`
	Registered int       `json:"registered"`
	Existing   int       `json:"existing"`
	Skipped    int       `json:"skipped"`
}

// Registration is published for every newly registered source.
type Registration struct {
	SourceID  string           `json:"source_id"`
	URL       string           `json:"url"`
	VenueHint string           `json:"venue_hint"`
	Location  *models.Location `json:"known_location,omitempty"`
}

// Discoverer combines each city with each query template and registers the
// websites of matching places.
type Discoverer struct {
	places    Places
	registry  Registry
	sink      diag.Sink
	publisher messaging.Publisher
	logger    *logging.Logger
	cfg       Config
}

func NewDiscoverer(places Places, registry Registry, sink diag.Sink, publisher messaging.Publisher, logger *logging.Logger, cfg Config) *Discoverer {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.MaxPerQuery <= 0 {
		cfg.MaxPerQuery = 10
	}
	return &Discoverer{
		places:    places,
		registry:  registry,
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// Query renders a query template for city by replacing the first %s. Other
// percent signs are kept as written. Templates without %s get the city
// appended.
func Query(template, city string) string {
	if strings.Contains(template, "%s") {
		return strings.Replace(template, "%s", city, 1)
	}
	return template + " " + city
}

// Run executes one discovery pass. A failed search is recorded and skipped.
// Existing sources keep their state; only a missing venue hint or known
// location is filled in.
func (d *Discoverer) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now().UTC()}
	seen := make(map[string]struct{})

	for _, city := range d.cfg.Cities {
		for _, tmpl := range d.cfg.Queries {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			q := Query(tmpl, city)
			summary.Queries++

			places, err := d.search(ctx, q)
			if err != nil {
				summary.Failed++
				diag.Emit(ctx, d.sink, diag.Diagnostic{
					Kind:    diag.KindDiscoveryFailed,
					Level:   slog.LevelWarn,
					Message: "places search failed",
					Attrs:   map[string]any{"query": q, "error": err.Error()},
				})
				continue
			}
			summary.Places += len(places)

			for _, p := range places {
				if err := d.register(ctx, p, seen, summary); err != nil {
					return summary, err
				}
			}
		}
	}

	elapsed := time.Since(summary.StartedAt)
	summary.DurationMS = elapsed.Milliseconds()
	metrics.RunsTotal.WithLabelValues("discovery", "ok").Inc()
	metrics.RunDuration.WithLabelValues("discovery").Observe(elapsed.Seconds())

	d.logger.InfoContext(ctx, "discovery run completed",
		logging.Duration(elapsed),
		"queries", summary.Queries,
		"registered", summary.Registered,
		"existing", summary.Existing,
		"failed", summary.Failed,
	)
	if err := messaging.PublishJSON(ctx, d.publisher, messaging.SubjectDiscoveryComplete, summary); err != nil {
		d.logger.WarnContext(ctx, "failed to publish discovery summary", logging.Error(err))
	}
	return summary, nil
}

func (d *Discoverer) search(ctx context.Context, q string) ([]Place, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	return d.places.Search(ctx, q, d.cfg.MaxPerQuery)
}

func (d *Discoverer) register(ctx context.Context, p Place, seen map[string]struct{}, summary *Summary) error {
	if strings.TrimSpace(p.Website) == "" {
		summary.Skipped++
		return nil
	}
	src, err := models.NewSource(p.Website, strings.TrimSpace(p.Name), models.OriginDiscovery)
	if err != nil {
		summary.Skipped++
		d.logger.DebugContext(ctx, "skipping place with invalid website", logging.URL(p.Website), logging.Error(err))
		return nil
	}
	if _, dup := seen[src.ID]; dup {
		return nil
	}
	seen[src.ID] = struct{}{}

	if p.HasLoc {
		src.KnownLocation = &models.Location{Lat: p.Lat, Lng: p.Lng}
	}

	created, err := d.registry.UpsertSource(ctx, src)
	if err != nil {
		return fmt.Errorf("register %s: %w", src.URL, err)
	}
	if !created {
		summary.Existing++
		return nil
	}

	summary.Registered++
	metrics.SourcesRegistered.Inc()
	diag.Emit(ctx, d.sink, diag.Diagnostic{
		Kind:     diag.KindSourceRegistered,
		Level:    slog.LevelInfo,
		SourceID: src.ID,
		Message:  "source registered",
		Attrs:    map[string]any{"url": src.URL, "venue": src.VenueHint},
	})
	reg := Registration{SourceID: src.ID, URL: src.URL, VenueHint: src.VenueHint, Location: src.KnownLocation}
	if err := messaging.PublishJSON(ctx, d.publisher, messaging.SubjectSourcesRegistered, reg); err != nil {
		d.logger.WarnContext(ctx, "failed to publish registration", logging.SourceID(src.ID), logging.Error(err))
	}
	return nil
}
