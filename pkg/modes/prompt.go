package modes

import (
	"fmt"
	"strings"
)

var safetyGuidance = map[SafetyLevel]string{
	SafetyStrict:   "Keep all content family friendly and decline anything explicit or harmful.",
	SafetyModerate: "Avoid explicit or harmful content; mature themes are fine when handled with care.",
	SafetyRelaxed:  "Mature themes are allowed; still refuse content that is illegal or harmful.",
}

// SystemPrompt renders the persona instructions for m.
func SystemPrompt(m Mode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s.\n\n", m.DisplayName)
	fmt.Fprintf(&sb, "Personality: %s\n\n", m.Personality)
	if m.Style != "" {
		fmt.Fprintf(&sb, "Communication Style: %s\n\n", m.Style)
	}
	if len(m.Restrictions) > 0 {
		sb.WriteString("Restrictions:\n")
		for _, r := range m.Restrictions {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		sb.WriteString("\n")
	}
	if g, ok := safetyGuidance[m.Safety]; ok {
		fmt.Fprintf(&sb, "Content: %s\n\n", g)
	}
	sb.WriteString("Remember to stay in character for this mode while being helpful and engaging.")
	return sb.String()
}
