package providers

import (
	"regexp"
	"strings"
)

var (
	identityRegex     = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z][A-Za-z0-9_\-]{1,40})`)
	timezoneRegex     = regexp.MustCompile(`(?i)\b(?:my timezone is|my time zone is)\s+([A-Za-z0-9_\-/:+]{2,40})`)
	favoriteRegex     = regexp.MustCompile(`(?i)\bmy fav(?:ou?rite)?\s+([a-z][a-z ]{1,30}?)\s+is\s+([^.!?,\n]{1,60})`)
	liveInRegex       = regexp.MustCompile(`(?i)\bi live in\s+([^.!?,\n]{2,60})`)
	questionLeadRegex = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|can|could|would|do|does|did|is|are|am)\b`)
)

// ExtractFacts pulls durable user facts out of a single user message. It is a
// small heuristic extractor shared by the backends; anything it misses can be
// stored explicitly with /remember.
func ExtractFacts(text string) []FactSuggestion {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "/") || questionLeadRegex.MatchString(text) {
		return nil
	}

	var out []FactSuggestion
	seen := map[string]struct{}{}
	add := func(key, value string, confidence float64) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, FactSuggestion{Key: key, Value: value, Confidence: confidence})
	}

	if m := identityRegex.FindStringSubmatch(text); len(m) == 2 {
		add("name", m[1], 0.8)
	}
	if m := timezoneRegex.FindStringSubmatch(text); len(m) == 2 {
		add("timezone", m[1], 0.7)
	}
	if m := liveInRegex.FindStringSubmatch(text); len(m) == 2 {
		add("location", m[1], 0.6)
	}
	for _, m := range favoriteRegex.FindAllStringSubmatch(text, -1) {
		subject := strings.Join(strings.Fields(strings.ToLower(m[1])), "_")
		add("favorite_"+subject, m[2], 0.6)
	}
	return out
}
