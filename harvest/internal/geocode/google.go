package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultGoogleEndpoint is the Google Geocoding JSON API.
const DefaultGoogleEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

// GoogleClient implements Geocoder against the Google Geocoding API.
type GoogleClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewGoogleClient constructs a GoogleClient. An empty endpoint uses the public API.
func NewGoogleClient(endpoint, apiKey string, timeout time.Duration) *GoogleClient {
	if endpoint == "" {
		endpoint = DefaultGoogleEndpoint
	}
	return &GoogleClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Geocode implements Geocoder.
func (c *GoogleClient) Geocode(ctx context.Context, query string) ([]Match, error) {
	params := url.Values{}
	params.Set("address", query)
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder response status %d", resp.StatusCode)
	}

	var body googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch body.Status {
	case "OK":
	case "ZERO_RESULTS":
		return []Match{}, nil
	default:
		return nil, fmt.Errorf("geocoder status %s: %s", body.Status, body.ErrorMessage)
	}

	matches := make([]Match, 0, len(body.Results))
	for _, r := range body.Results {
		matches = append(matches, Match{
			Lat:              r.Geometry.Location.Lat,
			Lng:              r.Geometry.Location.Lng,
			FormattedAddress: r.FormattedAddress,
		})
	}
	return matches, nil
}
