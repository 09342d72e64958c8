package memory

import (
	"fmt"
	"strings"
	"time"
)

// NoHistory is the prompt context used when no past message is relevant
const NoHistory = "No relevant history found."

// FormatHistory renders search hits as "role: text (created_at)" lines for a prompt
func FormatHistory(results []SearchResult) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		when := "unknown time"
		if !r.Metadata.CreatedAt.IsZero() {
			when = r.Metadata.CreatedAt.Format(time.RFC3339)
		}
		lines = append(lines, fmt.Sprintf("%s: %s (%s)", r.Metadata.Role, r.Text, when))
	}
	return lines
}

// BuildContext joins history lines into one prompt block
func BuildContext(lines []string) string {
	if len(lines) == 0 {
		return NoHistory
	}
	return strings.Join(lines, "\n")
}
