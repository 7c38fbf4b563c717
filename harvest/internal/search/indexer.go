// Package search mirrors committed events into OpenSearch for geo queries.
package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// Config holds OpenSearch connection settings
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	Index         string
}

// Mirror receives committed events.
type Mirror interface {
	IndexEvents(ctx context.Context, events []*models.Event) (*IndexResult, error)
}

// IndexResult summarizes a bulk mirror call. Conflicts are documents that
// already existed, which create-only indexing leaves untouched.
type IndexResult struct {
	Indexed   int
	Conflicts int
	Failed    int
	Errors    []string
}

// Indexer writes events with the bulk create action, keyed by event id.
type Indexer struct {
	client *opensearch.Client
	index  string
}

// NewIndexer creates an OpenSearch-backed Indexer.
func NewIndexer(cfg Config) (*Indexer, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	index := cfg.Index
	if index == "" {
		index = "sprout-events"
	}
	return &Indexer{client: client, index: index}, nil
}

// EnsureIndex creates the events index with its mapping when absent.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	exists, err := opensearchapi.IndicesExistsRequest{Index: []string{i.index}}.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("check index %s: %w", i.index, err)
	}
	defer exists.Body.Close()
	if exists.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
		},
		"mappings": eventMappings(),
	})
	if err != nil {
		return err
	}

	res, err := opensearchapi.IndicesCreateRequest{Index: i.index, Body: bytes.NewReader(body)}.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("create index %s: %w", i.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		if strings.Contains(string(bodyBytes), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("failed to create index: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func eventMappings() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	return map[string]any{
		"dynamic": false,
		"properties": map[string]any{
			"event_id":         keyword,
			"source_id":        keyword,
			"title":            map[string]any{"type": "text"},
			"venue":            map[string]any{"type": "text", "fields": map[string]any{"keyword": keyword}},
			"description":      map[string]any{"type": "text"},
			"start_time":       map[string]any{"type": "date", "format": "epoch_second"},
			"end_time":         map[string]any{"type": "date", "format": "epoch_second"},
			"age_range":        keyword,
			"is_free":          map[string]any{"type": "boolean"},
			"requires_booking": map[string]any{"type": "boolean"},
			"registration_url": keyword,
			"location":         map[string]any{"type": "geo_point"},
			"geohash":          keyword,
			"address":          map[string]any{"type": "text"},
			"source_url":       keyword,
			"created_at":       map[string]any{"type": "date", "format": "epoch_second"},
			"expire_at":        map[string]any{"type": "date"},
		},
	}
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type document struct {
	*models.Event
	Location *geoPoint `json:"location,omitempty"`
}

func toDocument(e *models.Event) document {
	doc := document{Event: e}
	if e.Latitude != nil && e.Longitude != nil {
		doc.Location = &geoPoint{Lat: *e.Latitude, Lon: *e.Longitude}
	}
	return doc
}

// IndexEvents implements Mirror.
func (i *Indexer) IndexEvents(ctx context.Context, events []*models.Event) (*IndexResult, error) {
	resp := &IndexResult{}
	if len(events) == 0 {
		return resp, nil
	}

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        i.client,
		Index:         i.index,
		NumWorkers:    1,
		FlushInterval: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk indexer: %w", err)
	}

	var mu sync.Mutex
	for _, event := range events {
		data, err := json.Marshal(toDocument(event))
		if err != nil {
			mu.Lock()
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("marshal event %s: %v", event.ID, err))
			mu.Unlock()
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "create",
			DocumentID: event.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				resp.Indexed++
				mu.Unlock()
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err == nil && res.Status == http.StatusConflict {
					resp.Conflicts++
					return
				}
				resp.Failed++
				if err != nil {
					resp.Errors = append(resp.Errors, err.Error())
				} else {
					resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s: %s", item.DocumentID, res.Error.Type, res.Error.Reason))
				}
			},
		})
		if err != nil {
			mu.Lock()
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("add %s to bulk indexer: %v", event.ID, err))
			mu.Unlock()
		}
	}

	if err := bi.Close(ctx); err != nil {
		return resp, fmt.Errorf("bulk indexer close: %w", err)
	}

	if resp.Failed > 0 {
		return resp, fmt.Errorf("mirror %d of %d events failed", resp.Failed, len(events))
	}
	return resp, nil
}
