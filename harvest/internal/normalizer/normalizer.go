// Package normalizer strips volatile substrings from fetched page content so
// that the fingerprint only changes when the listings do.
package normalizer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the size of the window that is normalized and hashed.
const DefaultMaxChars = 40000

type rule struct {
	name    string
	pattern *regexp.Regexp
	repl    string
}

// Applied in order on every pass.
var rules = []rule{
	{
		name:    "iso_timestamp",
		pattern: regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)?`),
	},
	{
		name:    "slash_date",
		pattern: regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	},
	{
		name: "long_date",
		pattern: regexp.MustCompile(`(?i)\b(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`),
	},
	{
		// Dates are already gone by now; only the phrase and a trailing
		// weekday or clock time remain. Never spans past the stamp itself.
		name:    "updated_stamp",
		pattern: regexp.MustCompile(`(?i)\b(?:last\s+updated|updated\s+on)\b[ \t]*:?[ \t]*(?:(?:on|at)[ \t]+)?(?:(?:mon|tues|wednes|thurs|fri|satur|sun)day,?[ \t]*)?(?:(?:at[ \t]+)?\d{1,2}:\d{2}(?::\d{2})?(?:[ \t]*[ap]\.?m\b\.?)?)?`),
	},
	{
		name:    "tracking_param",
		pattern: regexp.MustCompile(`(?i)\b(?:session_?id|jsessionid|phpsessid|sid|tracking_?id|utm_[a-z]+|fbclid|gclid|_ga|csrf_?token|nonce)=[^\s&"'<>]*`),
	},
	{
		name:    "hex_token",
		pattern: regexp.MustCompile(`\b[0-9a-fA-F]{32,64}\b`),
	},
	{
		name:    "query_string",
		pattern: regexp.MustCompile(`(https?://[^\s?#"'<>()\[\]]+)\?[^\s#"'<>()\[\]]*`),
		repl:    "$1",
	},
}

var whitespace = regexp.MustCompile(`\s+`)

// Normalizer produces the stable fingerprint basis for page content.
type Normalizer struct {
	maxChars int
}

// New returns a Normalizer that truncates input to maxChars characters.
// A non-positive maxChars selects DefaultMaxChars.
func New(maxChars int) *Normalizer {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Normalizer{maxChars: maxChars}
}

// MaxChars returns the truncation window.
func (n *Normalizer) MaxChars() int {
	return n.maxChars
}

// Exceeds reports whether raw is longer than the truncation window.
func (n *Normalizer) Exceeds(raw string) bool {
	return utf8.RuneCountInString(raw) > n.maxChars
}

// Normalize truncates raw, strips volatile substrings and collapses whitespace.
// The result is a fixed point: normalizing it again returns it unchanged.
func (n *Normalizer) Normalize(raw string) string {
	text := truncate(raw, n.maxChars)
	for {
		next := pass(text)
		if next == text {
			return next
		}
		text = next
	}
}

// Window returns the truncated, whitespace-collapsed page text. It covers the
// same character window as Normalize but keeps dates, which extraction needs.
func (n *Normalizer) Window(raw string) string {
	text := truncate(raw, n.maxChars)
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func pass(text string) string {
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.repl)
	}
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	count := 0
	for i := range s {
		if count == maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
