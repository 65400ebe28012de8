package operations

import (
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/graphdef"
)

// OpPlaceholder marks a node record that declares a graph input.
const OpPlaceholder = "Placeholder"

// aliases maps producer spellings onto the op names kernels and the
// executor know.
var aliases = map[string]string{
	"StatelessIf":    graph.OpIf,
	"StatelessWhile": graph.OpWhile,
	"Multiply":       "Mul",
	"AddV2":          "Add",
	"Subtract":       "Sub",
	"RealDiv":        "Div",
	"ConcatV2":       "Concat",
	"SelectV2":       "Select",
	"StopGradient":   "Identity",
	"Snapshot":       "Identity",
	"PlaceholderV2":  OpPlaceholder,
}

// Canonical returns the normalized name of op.
func Canonical(op string) string {
	if target, ok := aliases[op]; ok {
		return target
	}
	return op
}

// defaultOutputs is the output count of n when the record does not state it.
func defaultOutputs(n *graph.Node, library map[string]*graphdef.FunctionDef) (int, error) {
	switch n.Op {
	case "Split":
		return n.Attrs.Int("num_split", 1)
	case "Unique":
		return 2, nil
	case graph.OpWhile:
		return len(n.DataInputs()), nil
	case graph.OpIf:
		name, err := n.Attrs.String(graph.AttrThenBranch, "")
		if err != nil {
			return 0, err
		}
		f, ok := library[name]
		if !ok {
			return 0, fmt.Errorf("If branch %q is not in the function library", name)
		}
		return len(f.Outputs), nil
	default:
		return 1, nil
	}
}
