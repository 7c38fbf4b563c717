// Package validator turns untrusted extractor candidates into events.
package validator

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

// Reason names why a candidate was rejected.
type Reason string

const (
	ReasonMissingTitle Reason = "missing_title"
	ReasonMissingVenue Reason = "missing_venue"
	ReasonMissingStart Reason = "missing_start"
	ReasonInvalidStart Reason = "invalid_start"
	ReasonPastEvent    Reason = "past_event"
)

// Outcome is either Validated or Rejected.
type Outcome interface {
	outcome()
}

// Validated carries an event ready for the committer. Geocoding and the
// createdAt/expireAt fields are filled in at commit time.
type Validated struct {
	Event models.Event
}

// Rejected carries the reason a candidate was dropped.
type Rejected struct {
	Reason    Reason
	Detail    string
	Candidate models.Candidate
}

func (Validated) outcome() {}
func (Rejected) outcome() {}

// Error implements error so a Rejected can be wrapped or logged directly.
func (r Rejected) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Validator applies the candidate rules for one region.
type Validator struct {
	loc *time.Location
}

// New creates a Validator. Zone-less timestamps are read in loc (UTC if nil).
func New(loc *time.Location) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{loc: loc}
}

// Validate checks c and builds the event for source. now is the cut-off for
// past events.
func (v *Validator) Validate(c models.Candidate, source *models.Source, now time.Time) Outcome {
	title := strings.TrimSpace(c.Title)
	venue := strings.TrimSpace(c.Venue)
	startRaw := strings.TrimSpace(c.StartISO)

	switch {
	case title == "":
		return Rejected{Reason: ReasonMissingTitle, Candidate: c}
	case venue == "":
		return Rejected{Reason: ReasonMissingVenue, Candidate: c}
	case startRaw == "":
		return Rejected{Reason: ReasonMissingStart, Candidate: c}
	}

	start, err := v.ParseTime(startRaw)
	if err != nil {
		return Rejected{Reason: ReasonInvalidStart, Detail: err.Error(), Candidate: c}
	}
	if start.Before(now) {
		return Rejected{Reason: ReasonPastEvent, Detail: start.UTC().Format(time.RFC3339), Candidate: c}
	}

	evt := models.Event{
		ID:              EventID(title, venue, start),
		Title:           title,
		Venue:           venue,
		Description:     strings.TrimSpace(c.Description),
		StartTime:       start.Unix(),
		IsFree:          true,
		RequiresBooking: bool(c.RegistrationRequired),
		RegistrationURL: registrationURL(c.RegistrationURL),
	}

	if endRaw := strings.TrimSpace(c.EndISO); endRaw != "" {
		if end, err := v.ParseTime(endRaw); err == nil && !end.Before(start) {
			endUnix := end.Unix()
			evt.EndTime = &endUnix
		}
	}

	if age, ok := NormalizeAgeRange(c.AgeRangeRaw); ok {
		evt.AgeRange = age
	} else {
		evt.AgeRange = models.AgeAll
	}

	if source != nil {
		evt.SourceID = source.ID
		evt.SourceURL = source.URL
	}

	return Validated{Event: evt}
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

var errUnparseable = errors.New("unrecognized timestamp format")

// ParseTime parses an ISO-8601 timestamp. Timestamps without an offset are
// read in the validator's location.
func (v *Validator) ParseTime(s string) (time.Time, error) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, v.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errUnparseable, s)
}

var absoluteHTTP = regexp.MustCompile(`(?i)^https?://\S+$`)

func registrationURL(raw string) *string {
	raw = strings.TrimSpace(raw)
	if !absoluteHTTP.MatchString(raw) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return &raw
}
