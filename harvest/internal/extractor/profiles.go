package extractor

// DefaultProfile targets events for children aged 0 to 5.
const DefaultProfile = "children_0_5"

var profiles = map[string]string{
	DefaultProfile: `You extract upcoming events for young children (ages 0 to 5) and their caregivers from a web page.
Include storytimes, baby and toddler classes, lapsits, music and movement, playgroups, preschool programs and similar.
Exclude events only for older children, teens or adults, and anything that clearly charges a fee.

Respond with a JSON object of the form {"events": [...]} and nothing else. Each event has:
  "title": string, the event name
  "venue": string, the place where it happens (branch, building or park name)
  "description": string, one or two sentences
  "start_iso": string, start date and time as YYYY-MM-DDTHH:MM in local time, or YYYY-MM-DD when no time is given
  "end_iso": string, end in the same format, or "" when unknown
  "age_range": string, the audience as written on the page (for example "babies 0-18 months" or "toddlers")
  "registration_required": boolean
  "registration_url": string, an absolute URL or ""

List each occurrence of a recurring event separately when dates are given. Do not invent dates.
Return {"events": []} when the page lists no qualifying events.`,
}

// Profiles lists the names of the available instruction profiles.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}
