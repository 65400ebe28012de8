// Package operations turns a serialized graph definition into the
// normalized operation records the graph builder consumes. It renames
// producer-specific op spellings, folds control inputs into "^name"
// references, converts placeholder declarations and fills in default
// output counts for multi-output ops.
//
// Transform is pure: it allocates no tensors and performs no I/O.
package operations

import (
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/graphdef"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Result is the transformed graph, ready for graph.Builder.
type Result struct {
	Name      string
	Version   string
	Inputs    []graph.Placeholder
	Nodes     []*graph.Node
	Outputs   []string
	Functions []graph.FunctionSpec
}

// Transform converts def. The function library is indexed first so that
// control-flow nodes can take their output count from the branch they call.
func Transform(ctx context.Context, def *graphdef.GraphDef) (*Result, error) {
	if def == nil {
		return nil, fmt.Errorf("graph definition is nil")
	}
	logger := ctxlog.FromContext(ctx).With("graph", def.Name)

	library := make(map[string]*graphdef.FunctionDef, len(def.Functions))
	for i := range def.Functions {
		library[def.Functions[i].Name] = &def.Functions[i]
	}

	res := &Result{Name: def.Name, Version: def.Version, Outputs: append([]string(nil), def.Outputs...)}

	var err error
	if res.Inputs, err = placeholders(def.Inputs); err != nil {
		return nil, err
	}
	var promoted []graph.Placeholder
	if res.Nodes, promoted, err = nodes(def.Nodes, library); err != nil {
		return nil, err
	}
	if res.Inputs, err = mergeInputs(res.Inputs, promoted); err != nil {
		return nil, err
	}
	for _, f := range def.Functions {
		spec := graph.FunctionSpec{Name: f.Name, Outputs: append([]string(nil), f.Outputs...)}
		if spec.Inputs, err = placeholders(f.Inputs); err != nil {
			return nil, fmt.Errorf("function %q: %w", f.Name, err)
		}
		if spec.Nodes, promoted, err = nodes(f.Nodes, library); err != nil {
			return nil, fmt.Errorf("function %q: %w", f.Name, err)
		}
		if spec.Inputs, err = mergeInputs(spec.Inputs, promoted); err != nil {
			return nil, fmt.Errorf("function %q: %w", f.Name, err)
		}
		res.Functions = append(res.Functions, spec)
	}

	logger.Debug("Operation transform finished.", "nodes", len(res.Nodes), "functions", len(res.Functions))
	return res, nil
}

func placeholders(defs []graphdef.PlaceholderDef) ([]graph.Placeholder, error) {
	out := make([]graph.Placeholder, 0, len(defs))
	for _, d := range defs {
		dtype, err := tensor.ParseDType(d.DType)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", d.Name, err)
		}
		var shape tensor.Shape
		if d.Shape != nil {
			shape = tensor.Shape(append([]int{}, d.Shape...))
		}
		out = append(out, graph.Placeholder{Name: d.Name, DType: dtype, Shape: shape})
	}
	return out, nil
}

// nodes converts defs. Placeholder records become input declarations
// instead of nodes.
func nodes(defs []graphdef.NodeDef, library map[string]*graphdef.FunctionDef) ([]*graph.Node, []graph.Placeholder, error) {
	out := make([]*graph.Node, 0, len(defs))
	var inputs []graph.Placeholder
	for _, d := range defs {
		if Canonical(d.Op) == OpPlaceholder {
			p, err := placeholderNode(d)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to convert placeholder '%s': %w", d.Name, err)
			}
			inputs = append(inputs, p)
			continue
		}
		n, err := convertNode(d, library)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to convert node '%s': %w", d.Name, err)
		}
		out = append(out, n)
	}
	return out, inputs, nil
}

func placeholderNode(d graphdef.NodeDef) (graph.Placeholder, error) {
	attrs := tensor.Attrs(d.Attrs)
	name, err := attrs.String("dtype", "")
	if err != nil {
		return graph.Placeholder{}, err
	}
	dtype, err := tensor.ParseDType(name)
	if err != nil {
		return graph.Placeholder{}, err
	}
	p := graph.Placeholder{Name: d.Name, DType: dtype}
	if attrs.Has("shape") {
		dims, err := attrs.Ints("shape")
		if err != nil {
			return graph.Placeholder{}, err
		}
		p.Shape = tensor.Shape(dims)
	}
	return p, nil
}

// mergeInputs appends promoted placeholders not already declared. A
// Placeholder node that repeats a declared input fills in the dtype or shape
// the declaration left open and must agree with whatever it did set.
func mergeInputs(declared, promoted []graph.Placeholder) ([]graph.Placeholder, error) {
	index := make(map[string]int, len(declared))
	for i, p := range declared {
		index[p.Name] = i
	}
	for _, p := range promoted {
		i, ok := index[p.Name]
		if !ok {
			index[p.Name] = len(declared)
			declared = append(declared, p)
			continue
		}
		d := &declared[i]
		if d.DType != "" && p.DType != "" && d.DType != p.DType {
			return nil, fmt.Errorf("input %q is declared as %s but its Placeholder node has dtype %s", p.Name, d.DType, p.DType)
		}
		if d.Shape != nil && p.Shape != nil && !d.Shape.Equal(p.Shape) {
			return nil, fmt.Errorf("input %q is declared with shape %s but its Placeholder node has shape %s", p.Name, d.Shape, p.Shape)
		}
		if d.DType == "" {
			d.DType = p.DType
		}
		if d.Shape == nil {
			d.Shape = p.Shape
		}
	}
	return declared, nil
}

// convertNode normalizes one record. Data inputs keep their order; control
// inputs follow them.
func convertNode(d graphdef.NodeDef, library map[string]*graphdef.FunctionDef) (*graph.Node, error) {
	op := Canonical(d.Op)
	n := &graph.Node{Name: d.Name, Op: op, Attrs: make(tensor.Attrs, len(d.Attrs))}
	for k, v := range d.Attrs {
		n.Attrs[k] = v
	}

	var control []graph.Ref
	for _, raw := range d.Inputs {
		ref, err := graph.ParseRef(raw)
		if err != nil {
			return nil, err
		}
		if ref.Control {
			control = append(control, ref)
			continue
		}
		n.Inputs = append(n.Inputs, ref)
	}
	for _, raw := range d.ControlInputs {
		ref, err := graph.ParseRef("^" + strings.TrimPrefix(raw, "^"))
		if err != nil {
			return nil, err
		}
		control = append(control, ref)
	}
	n.Inputs = append(n.Inputs, dedupe(control)...)

	n.NumOutputs = d.NumOutputs
	if n.NumOutputs == 0 {
		count, err := defaultOutputs(n, library)
		if err != nil {
			return nil, err
		}
		n.NumOutputs = count
	}
	return n, nil
}

func dedupe(refs []graph.Ref) []graph.Ref {
	seen := make(map[graph.Ref]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
