package graph

import (
	"fmt"
	"strings"
)

// IntegrityError reports every structural problem found while building a
// graph: dangling references, duplicate names, cycles and malformed control
// flow. A graph that fails this check is never handed out.
type IntegrityError struct {
	Graph    string
	Problems []string
}

func (e *IntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph %q failed integrity check:", e.Graph)
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}
