package session

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/herald/internal/workitem"
)

// NoItemsMessage is the whole payload when there is nothing to report.
const NoItemsMessage = "No work items."

// Render formats items as the plain-text body of the content prompt.
func Render(items []workitem.Item) string {
	if len(items) == 0 {
		return NoItemsMessage
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Work items (%d):\n", len(items))
	for _, it := range items {
		b.WriteString("\n")
		fmt.Fprintf(&b, "- Title: %s\n", it.Title)
		fmt.Fprintf(&b, "  ID: %s\n", it.ID)
		fmt.Fprintf(&b, "  State: %s\n", it.State)
		if desc := strings.TrimSpace(it.Description); desc != "" {
			fmt.Fprintf(&b, "  Description: %s\n", indent(desc, "    "))
		}
	}
	return b.String()
}

// indent keeps multi-line descriptions inside their item block.
func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}
