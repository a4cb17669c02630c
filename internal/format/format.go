// Package format renders raw search hits into the snippet text returned to
// the caller.
package format

import (
	"fmt"
	"strings"

	"github.com/yourorg/codectx/internal/remote"
)

// NoResults is returned for an empty hit list, never an empty string, so
// callers can tell "found nothing" from a transport failure.
const NoResults = "No relevant code context found."

// Snippets renders hits as labeled blocks in the order the remote ranked
// them. Deterministic for a given hit list; never re-sorts.
func Snippets(hits []remote.SearchHit) string {
	if len(hits) == 0 {
		return NoResults
	}
	var sb strings.Builder
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### %s:%d-%d (score %.3f)\n", h.Path, h.StartLine, h.EndLine, h.Score)
		sb.WriteString(strings.TrimRight(h.Text, "\n"))
	}
	return sb.String()
}
