package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the harvest service.
const (
	FieldService  = "service"
	FieldRunID    = "run_id"
	FieldSourceID = "source_id"
	FieldEventID  = "event_id"
	FieldURL      = "url"
	FieldCount    = "count"
	FieldDuration = "duration_ms"
	FieldError    = "error"
	FieldReason   = "reason"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RunID returns a slog attribute for a harvest run ID.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// SourceID returns a slog attribute for a source registration ID.
func SourceID(id string) slog.Attr {
	return slog.String(FieldSourceID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// URL returns a slog attribute for a fetched or registered URL.
func URL(u string) slog.Attr {
	return slog.String(FieldURL, u)
}

// Count returns a slog attribute for a counter value.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Reason returns a slog attribute for a rejection or skip reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
