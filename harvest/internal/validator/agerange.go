package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/telhawk-systems/sprout/harvest/internal/models"
)

var (
	infantTerms    = regexp.MustCompile(`(?i)\b(?:infants?|bab(?:y|ies)|newborns?|lap[\s-]?sit)\b`)
	toddlerTerms   = regexp.MustCompile(`(?i)\b(?:toddlers?|walkers?|wobblers?)\b`)
	preschoolTerms = regexp.MustCompile(`(?i)(?:\bpre-?school(?:ers?)?\b|\bpre-?k\b)`)
	allAges        = regexp.MustCompile(`(?i)\ball\s+ages\b`)
	numericRange   = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:-|–|—|to)\s*(\d{1,2})\s*(months?|mos?\.?|years?|yrs?\.?)`)
)

// NormalizeAgeRange maps a free-text age descriptor onto the closed set of
// ranges. ok is false when nothing matched; callers default to "All".
func NormalizeAgeRange(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	switch {
	case infantTerms.MatchString(raw):
		return models.AgeInfant, true
	case toddlerTerms.MatchString(raw):
		return models.AgeToddler, true
	case preschoolTerms.MatchString(raw):
		return models.AgePreschool, true
	case allAges.MatchString(raw):
		return models.AgeAll, true
	}

	if m := numericRange.FindStringSubmatch(raw); m != nil {
		unit := "years"
		if strings.HasPrefix(strings.ToLower(m[3]), "mo") {
			unit = "months"
		}
		return fmt.Sprintf("%s-%s %s", m[1], m[2], unit), true
	}

	return "", false
}
