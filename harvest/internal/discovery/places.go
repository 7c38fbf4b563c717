package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPlacesEndpoint is the Places API (v1) text search method.
const DefaultPlacesEndpoint = "https://places.googleapis.com/v1/places:searchText"

const placesFieldMask = "places.displayName,places.websiteUri,places.location,places.formattedAddress"

// Place is one search result.
type Place struct {
	Name    string
	Website string
	Address string
	Lat     float64
	Lng     float64
	HasLoc  bool
}

// Places searches for venues matching a free-form query.
type Places interface {
	Search(ctx context.Context, query string, limit int) ([]Place, error)
}

// GooglePlacesClient implements Places against Google Places Text Search.
type GooglePlacesClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewGooglePlacesClient constructs a client. An empty endpoint uses the public API.
func NewGooglePlacesClient(endpoint, apiKey string, timeout time.Duration) *GooglePlacesClient {
	if endpoint == "" {
		endpoint = DefaultPlacesEndpoint
	}
	return &GooglePlacesClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type searchTextRequest struct {
	TextQuery string `json:"textQuery"`
	PageSize  int    `json:"pageSize,omitempty"`
}

type searchTextResponse struct {
	Places []struct {
		DisplayName struct {
			Text string `json:"text"`
		} `json:"displayName"`
		WebsiteURI       string `json:"websiteUri"`
		FormattedAddress string `json:"formattedAddress"`
		Location         *struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
	} `json:"places"`
}

// Search implements Places.
func (c *GooglePlacesClient) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	bodyBytes, err := json.Marshal(searchTextRequest{TextQuery: query, PageSize: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Goog-Api-Key", c.apiKey)
	request.Header.Set("X-Goog-FieldMask", placesFieldMask)

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("places response status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result searchTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	places := make([]Place, 0, len(result.Places))
	for _, p := range result.Places {
		place := Place{
			Name:    p.DisplayName.Text,
			Website: p.WebsiteURI,
			Address: p.FormattedAddress,
		}
		if p.Location != nil {
			place.Lat, place.Lng, place.HasLoc = p.Location.Latitude, p.Location.Longitude, true
		}
		places = append(places, place)
	}
	return places, nil
}
