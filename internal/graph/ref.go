package graph

import (
	"fmt"
	"regexp"
	"strconv"
)

// refRegex matches `name`, `name:1` and the control form `^name`.
var refRegex = regexp.MustCompile(`^(\^)?([^\s:^]+)(?::(\d+))?$`)

// Ref points at one output of a node, placeholder or weight. Control refs
// only order execution and never carry a tensor.
type Ref struct {
	Node    string
	Index   int
	Control bool
}

// ParseRef parses the canonical string form of a reference.
func ParseRef(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, fmt.Errorf("tensor reference cannot be empty")
	}
	m := refRegex.FindStringSubmatch(raw)
	if m == nil {
		return Ref{}, fmt.Errorf("invalid tensor reference %q", raw)
	}
	ref := Ref{Node: m[2], Control: m[1] != ""}
	if m[3] != "" {
		idx, err := strconv.Atoi(m[3])
		if err != nil {
			// Unreachable due to regex `\d+`
			return Ref{}, fmt.Errorf("internal error parsing index: %w", err)
		}
		if ref.Control {
			return Ref{}, fmt.Errorf("control reference %q cannot select an output", raw)
		}
		ref.Index = idx
	}
	return ref, nil
}

// MustParseRef is ParseRef for literals known to be valid.
func MustParseRef(raw string) Ref {
	ref, err := ParseRef(raw)
	if err != nil {
		panic(err)
	}
	return ref
}

// ParseRefs parses every entry of raw.
func ParseRefs(raw ...string) ([]Ref, error) {
	refs := make([]Ref, len(raw))
	for i, s := range raw {
		ref, err := ParseRef(s)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	return refs, nil
}

// MustParseRefs is ParseRefs for literals known to be valid.
func MustParseRefs(raw ...string) []Ref {
	refs, err := ParseRefs(raw...)
	if err != nil {
		panic(err)
	}
	return refs
}

func (r Ref) String() string {
	switch {
	case r.Control:
		return "^" + r.Node
	case r.Index == 0:
		return r.Node
	default:
		return r.Node + ":" + strconv.Itoa(r.Index)
	}
}
