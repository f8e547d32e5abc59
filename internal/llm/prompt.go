package llm

import (
	"fmt"
	"strings"
)

func buildPrompt(raw string, hints []Hint) string {
	var sb strings.Builder

	sb.WriteString("Categorize this business expense line for the general ledger.\n\n")
	fmt.Fprintf(&sb, "Description: %s\n", raw)

	if len(hints) > 0 {
		sb.WriteString("\nKnown vendors that appear in this description, with their usual coding:\n")
		for _, h := range hints {
			fmt.Fprintf(&sb, "- %s", h.Vendor)
			if h.GLCode != "" {
				fmt.Fprintf(&sb, " (GL %s", h.GLCode)
				if h.Department != "" {
					fmt.Fprintf(&sb, ", %s", h.Department)
				}
				sb.WriteString(")")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString(`
Produce:
- normalizedText: a short, canonical description (vendor plus expense type, no card numbers, dates or store ids)
- glCode: the general ledger account code
- department: the department that owns the expense
- confidence: a number from 0 to 1

Respond with: {"normalizedText": "...", "glCode": "...", "department": "...", "confidence": 0.0}`)

	return sb.String()
}
