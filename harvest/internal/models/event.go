package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalized age ranges.
const (
	AgeInfant    = "0-18 months"
	AgeToddler   = "18-36 months"
	AgePreschool = "3-5 years"
	AgeAll       = "All"
)

// ExpiryGrace is added to an event's end (or start) to compute its expiry.
const ExpiryGrace = 24 * time.Hour

// Candidate is an unvalidated event as returned by the extractor.
type Candidate struct {
	Title                string   `json:"title"`
	Venue                string   `json:"venue"`
	Description          string   `json:"description"`
	StartISO             string   `json:"start_iso"`
	EndISO               string   `json:"end_iso"`
	AgeRangeRaw          string   `json:"age_range"`
	RegistrationRequired FlexBool `json:"registration_required"`
	RegistrationURL      string   `json:"registration_url"`
}

// Event is the persisted, write-once record.
type Event struct {
	ID              string    `json:"event_id"`
	SourceID        string    `json:"source_id"`
	Title           string    `json:"title"`
	Venue           string    `json:"venue"`
	Description     string    `json:"description"`
	StartTime       int64     `json:"start_time"`
	EndTime         *int64    `json:"end_time,omitempty"`
	AgeRange        string    `json:"age_range"`
	IsFree          bool      `json:"is_free"`
	RequiresBooking bool      `json:"requires_booking"`
	RegistrationURL *string   `json:"registration_url"`
	Latitude        *float64  `json:"latitude"`
	Longitude       *float64  `json:"longitude"`
	Geohash         *string   `json:"geohash"`
	Address         *string   `json:"address,omitempty"`
	SourceURL       string    `json:"source_url"`
	CreatedAt       int64     `json:"created_at"`
	ExpireAt        time.Time `json:"expire_at"`
}

// ComputeExpiry returns (end, else start) plus the expiry grace period.
func (e *Event) ComputeExpiry() time.Time {
	base := e.StartTime
	if e.EndTime != nil {
		base = *e.EndTime
	}
	return time.Unix(base, 0).UTC().Add(ExpiryGrace)
}

// FlexBool decodes booleans that extractors emit as bools, strings or numbers.
type FlexBool bool

// UnmarshalJSON accepts true/false, "yes"/"no", "true"/"false", 0/1 and null.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
	case float64:
		*b = v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "y", "true", "required", "1":
			*b = true
		case "", "no", "n", "false", "not required", "0":
			*b = false
		default:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("registration_required: unrecognized value %q", v)
			}
			*b = FlexBool(parsed)
		}
	default:
		return fmt.Errorf("registration_required: unsupported type %T", raw)
	}
	return nil
}
