package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EventID returns the write-once identity of an event: the SHA-256 of the
// lowercased title, lowercased venue and the UTC calendar date of start.
// Sessions of a series on different days get different IDs.
func EventID(title, venue string, start time.Time) string {
	key := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(title)),
		strings.ToLower(strings.TrimSpace(venue)),
		start.UTC().Format("2006-01-02"),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
