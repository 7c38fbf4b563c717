package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/sprout/common/logging"
	"github.com/telhawk-systems/sprout/common/messaging"
)

type capturePublisher struct {
	messaging.NoopPublisher
	subjects []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	Emit(ctx, rec, Diagnostic{Kind: KindCacheHit, SourceID: "s1"})
	Emit(ctx, rec, Diagnostic{Kind: KindFetchFailed, SourceID: "s2"})
	Emit(ctx, rec, Diagnostic{Kind: KindCacheHit, SourceID: "s3"})

	assert.Equal(t, 2, rec.Count(KindCacheHit))
	assert.Equal(t, 1, rec.Count(KindFetchFailed))
	assert.Len(t, rec.All(), 3)
	assert.False(t, rec.All()[0].At.IsZero())

	rec.Reset()
	assert.Empty(t, rec.All())
}

func TestEmitNilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, Diagnostic{Kind: KindCacheHit})
	})
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logging.NewWithWriter(&buf, slog.LevelDebug, "json"))

	ctx := logging.ContextWithRunID(context.Background(), "run-9")
	Emit(ctx, sink, Diagnostic{
		Kind:     KindGeocodeOutOfBounds,
		Level:    slog.LevelWarn,
		SourceID: "src",
		EventID:  "evt",
		Message:  "geocode result outside region",
		Attrs:    map[string]any{"lat": 40.7},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "geocode_out_of_bounds", entry["kind"])
	assert.Equal(t, "src", entry[logging.FieldSourceID])
	assert.Equal(t, "evt", entry[logging.FieldEventID])
	assert.Equal(t, "run-9", entry[logging.FieldRunID])
	assert.Equal(t, "WARN", entry["level"])
	assert.InDelta(t, 40.7, entry["lat"], 0.0001)
}

func TestPublisherSinkFiltersByLevel(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewPublisherSink(pub, slog.LevelWarn, logging.Discard())
	ctx := context.Background()

	Emit(ctx, sink, Diagnostic{Kind: KindCacheHit, Level: slog.LevelInfo})
	Emit(ctx, sink, Diagnostic{Kind: KindFetchFailed, Level: slog.LevelError, SourceID: "s"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "harvest.diag.fetch_failed", pub.subjects[0])

	var d Diagnostic
	require.NoError(t, json.Unmarshal(pub.payloads[0], &d))
	assert.Equal(t, KindFetchFailed, d.Kind)
	assert.Equal(t, "s", d.SourceID)
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	Emit(context.Background(), Multi{a, nil, b}, Diagnostic{Kind: KindPastEvent})

	assert.Equal(t, 1, a.Count(KindPastEvent))
	assert.Equal(t, 1, b.Count(KindPastEvent))
}
