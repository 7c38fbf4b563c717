// Package diag carries structured diagnostics out of the harvest pipeline.
// Components emit to a Sink instead of logging inline so tests can assert on
// exactly what was reported.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/common/messaging"
)

// Kind identifies a diagnostic.
type Kind string

const (
	KindCacheHit           Kind = "cache_hit"
	KindCacheMiss          Kind = "cache_miss"
	KindContentTruncated   Kind = "content_truncated"
	KindFetchFailed        Kind = "fetch_failed"
	KindExtractFailed      Kind = "extract_failed"
	KindRateLimited        Kind = "rate_limited"
	KindCandidateRejected  Kind = "candidate_rejected"
	KindPastEvent          Kind = "past_event"
	KindDuplicateInRun     Kind = "duplicate_in_run"
	KindAlreadyExists      Kind = "already_exists"
	KindGeocodeFailed      Kind = "geocode_failed"
	KindGeocodeOutOfBounds Kind = "geocode_out_of_bounds"
	KindCommitFailed       Kind = "commit_failed"
	KindCacheUpdateFailed  Kind = "cache_update_failed"
	KindSearchMirrorFailed Kind = "search_mirror_failed"
	KindSourceCompleted    Kind = "source_completed"
	KindSourceRegistered   Kind = "source_registered"
	KindDiscoveryFailed    Kind = "discovery_failed"
)

// Level mirrors slog levels.
type Level = slog.Level

// Diagnostic is one structured record.
type Diagnostic struct {
	Kind     Kind           `json:"kind"`
	Level    Level          `json:"level"`
	SourceID string         `json:"source_id,omitempty"`
	EventID  string         `json:"event_id,omitempty"`
	Message  string         `json:"message"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink receives diagnostics.
type Sink interface {
	Emit(ctx context.Context, d Diagnostic)
}

// Emit fills in the timestamp and forwards to sink.
func Emit(ctx context.Context, sink Sink, d Diagnostic) {
	if sink == nil {
		return
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	sink.Emit(ctx, d)
}

// LogSink writes diagnostics to a structured logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink returns a sink that logs each diagnostic.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, d Diagnostic) {
	attrs := make([]slog.Attr, 0, len(d.Attrs)+3)
	attrs = append(attrs, slog.String("kind", string(d.Kind)))
	if d.SourceID != "" {
		attrs = append(attrs, logging.SourceID(d.SourceID))
	}
	if d.EventID != "" {
		attrs = append(attrs, logging.EventID(d.EventID))
	}
	for k, v := range d.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, d.Level, d.Message, attrs...)
}

// PublisherSink forwards diagnostics at or above MinLevel to the message bus.
type PublisherSink struct {
	publisher messaging.Publisher
	minLevel  Level
	logger    *logging.Logger
}

// NewPublisherSink returns a sink publishing to harvest.diag.<kind>.
func NewPublisherSink(p messaging.Publisher, minLevel Level, logger *logging.Logger) *PublisherSink {
	return &PublisherSink{publisher: p, minLevel: minLevel, logger: logger}
}

func (s *PublisherSink) Emit(ctx context.Context, d Diagnostic) {
	if d.Level < s.minLevel {
		return
	}
	if err := messaging.PublishJSON(ctx, s.publisher, messaging.DiagnosticSubject(string(d.Kind)), d); err != nil {
		s.logger.WarnContext(ctx, "failed to publish diagnostic", slog.String("kind", string(d.Kind)), logging.Error(err))
	}
}

// Multi fans a diagnostic out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, d Diagnostic) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, d)
		}
	}
}

// Recorder keeps diagnostics in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Diagnostic
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, d)
}

// All returns a copy of every recorded diagnostic.
func (r *Recorder) All() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.records))
	copy(out, r.records)
	return out
}

// OfKind returns the recorded diagnostics of kind k.
func (r *Recorder) OfKind(k Kind) []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Diagnostic
	for _, d := range r.records {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}

// Count returns how many diagnostics of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	return len(r.OfKind(k))
}

// Reset drops all recorded diagnostics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}
