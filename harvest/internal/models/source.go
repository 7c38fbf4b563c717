package models

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SourceIDLength is the number of base64url characters kept from the URL digest.
const SourceIDLength = 22

// Source origins.
const (
	OriginDiscovery = "discovery"
	OriginManual    = "manual"
	OriginImport    = "import"
)

// Location is a pre-resolved coordinate pair.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Source is one tracked website whose pages are harvested for events.
type Source struct {
	ID                 string     `json:"source_id"`
	URL                string     `json:"url"`
	VenueHint          string     `json:"venue_hint,omitempty"`
	KnownLocation      *Location  `json:"known_location,omitempty"`
	ContentFingerprint string     `json:"content_fingerprint,omitempty"`
	LastProcessedAt    *time.Time `json:"last_processed_at,omitempty"`
	LastEventCount     int        `json:"last_event_count"`
	Origin             string     `json:"origin"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewSource builds a registration for rawURL with its derived ID.
func NewSource(rawURL, venueHint, origin string) (*Source, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Source{
		ID:        SourceID(canonical),
		URL:       canonical,
		VenueHint: strings.TrimSpace(venueHint),
		Origin:    origin,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CanonicalURL normalizes rawURL so equivalent spellings map to one source.
// Scheme and host are lowercased, the fragment is dropped and a trailing
// slash on the path is removed.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("source url must be http(s): %q", rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("source url has no host: %q", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

// SourceID derives the stable identity of a canonical URL.
func SourceID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:SourceIDLength]
}
