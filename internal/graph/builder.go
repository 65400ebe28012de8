package graph

import (
	"context"
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// FunctionSpec describes a library function before validation.
type FunctionSpec struct {
	Name    string
	Inputs  []Placeholder
	Outputs []string
	Nodes   []*Node
}

// Builder collects the parts of a graph and validates them in Build.
// Builders are not safe for concurrent use.
type Builder struct {
	name      string
	version   string
	inputs    []Placeholder
	nodes     []*Node
	outputs   []string
	weights   []weightEntry
	functions []FunctionSpec
}

type weightEntry struct {
	name    string
	tensors []tensor.Tensor
}

// NewBuilder starts a graph called name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

func (b *Builder) Version(v string) *Builder {
	b.version = v
	return b
}

// Input declares a graph placeholder. Declaration order is the positional
// order used when callers pass inputs as a list.
func (b *Builder) Input(p Placeholder) *Builder {
	b.inputs = append(b.inputs, p)
	return b
}

func (b *Builder) Node(nodes ...*Node) *Builder {
	b.nodes = append(b.nodes, nodes...)
	return b
}

// Output declares a graph output by reference, e.g. "logits" or "split:1".
func (b *Builder) Output(refs ...string) *Builder {
	b.outputs = append(b.outputs, refs...)
	return b
}

func (b *Builder) Weight(name string, tensors ...tensor.Tensor) *Builder {
	b.weights = append(b.weights, weightEntry{name: name, tensors: tensors})
	return b
}

func (b *Builder) Function(f FunctionSpec) *Builder {
	b.functions = append(b.functions, f)
	return b
}

// Build validates everything collected so far and returns the graph, or an
// *IntegrityError listing every problem found.
func (b *Builder) Build(ctx context.Context) (*Graph, error) {
	logger := ctxlog.FromContext(ctx).With("graph", b.name)
	logger.Debug("Building execution graph.", "nodes", len(b.nodes), "inputs", len(b.inputs), "functions", len(b.functions))

	v := &validator{}
	g := &Graph{
		Body:      newBody(b.name),
		weights:   make(map[string][]tensor.Tensor),
		weightIDs: make(map[uint64]struct{}),
		functions: make(map[string]*Function),
		version:   b.version,
	}

	// Pass 1: weights and functions, which node resolution depends on.
	for _, w := range b.weights {
		if _, dup := g.weights[w.name]; dup {
			v.addf("duplicate weight name %q", w.name)
			continue
		}
		if len(w.tensors) == 0 {
			v.addf("weight %q has no tensors", w.name)
		}
		g.weights[w.name] = w.tensors
		for _, t := range w.tensors {
			g.weightIDs[t.ID()] = struct{}{}
		}
	}
	for _, spec := range b.functions {
		if _, dup := g.functions[spec.Name]; dup {
			v.addf("duplicate function name %q", spec.Name)
			continue
		}
		fn := &Function{Body: newBody(spec.Name)}
		v.populate(&fn.Body, spec.Inputs, spec.Nodes, spec.Outputs, g.weights)
		g.functions[spec.Name] = fn
	}

	// Pass 2: the main body.
	v.populate(&g.Body, b.inputs, b.nodes, b.outputs, g.weights)

	// Pass 3: references, control flow and cycles, per body.
	bodies := append([]*Body{&g.Body}, functionBodies(g, b.functions)...)
	for _, body := range bodies {
		v.checkReferences(g, body)
		v.checkControlFlow(g, body)
		v.checkCycles(body)
	}
	v.checkFunctionRecursion(g, b.functions)

	if len(v.problems) > 0 {
		logger.Debug("Execution graph failed validation.", "problems", len(v.problems))
		return nil, &IntegrityError{Graph: b.name, Problems: v.problems}
	}

	// Pass 4: capability flags over every body.
	for _, body := range bodies {
		for _, n := range body.order {
			cf, dyn := IsControlFlow(n.Op), IsDynamicShape(n.Op)
			if (cf || dyn) && g.caps.FirstDynamicNode == "" {
				g.caps.FirstDynamicNode, g.caps.FirstDynamicOp = n.Name, n.Op
			}
			g.caps.HasControlFlow = g.caps.HasControlFlow || cf
			g.caps.HasDynamicShape = g.caps.HasDynamicShape || dyn
		}
	}

	logger.Debug("Execution graph built.",
		"nodes", len(g.order),
		"weights", len(g.weights),
		"has_control_flow", g.caps.HasControlFlow,
		"has_dynamic_shape", g.caps.HasDynamicShape,
	)
	return g, nil
}

// functionBodies returns function bodies in declaration order.
func functionBodies(g *Graph, specs []FunctionSpec) []*Body {
	var out []*Body
	seen := make(map[string]bool)
	for _, spec := range specs {
		if seen[spec.Name] {
			continue
		}
		seen[spec.Name] = true
		out = append(out, &g.functions[spec.Name].Body)
	}
	return out
}

type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// populate fills body and reports name collisions within its namespace.
func (v *validator) populate(body *Body, inputs []Placeholder, nodes []*Node, outputs []string, weights map[string][]tensor.Tensor) {
	where := body.name
	for _, p := range inputs {
		if _, dup := body.inputIdx[p.Name]; dup {
			v.addf("%s: duplicate input name %q", where, p.Name)
			continue
		}
		if _, clash := weights[p.Name]; clash {
			v.addf("%s: input %q collides with a weight of the same name", where, p.Name)
		}
		body.inputIdx[p.Name] = len(body.inputs)
		body.inputs = append(body.inputs, p)
	}
	for _, n := range nodes {
		switch {
		case n.Name == "":
			v.addf("%s: node with op %q has no name", where, n.Op)
			continue
		case body.nodes[n.Name] != nil:
			v.addf("%s: duplicate node name %q", where, n.Name)
			continue
		}
		if _, clash := body.inputIdx[n.Name]; clash {
			v.addf("%s: node %q collides with an input of the same name", where, n.Name)
		}
		if _, clash := weights[n.Name]; clash {
			v.addf("%s: node %q collides with a weight of the same name", where, n.Name)
		}
		body.nodes[n.Name] = n
		body.order = append(body.order, n)
	}
	for _, raw := range outputs {
		ref, err := ParseRef(raw)
		if err != nil {
			v.addf("%s: output: %v", where, err)
			continue
		}
		if ref.Control {
			v.addf("%s: output %q cannot be a control reference", where, raw)
			continue
		}
		body.outputs = append(body.outputs, ref)
	}
	for _, n := range body.order {
		seen := make(map[string]bool)
		for _, ref := range n.Inputs {
			if seen[ref.Node] {
				continue
			}
			seen[ref.Node] = true
			body.consumers[ref.Node] = append(body.consumers[ref.Node], n)
		}
	}
}

// checkReferences reports inputs and outputs that do not resolve.
func (v *validator) checkReferences(g *Graph, body *Body) {
	check := func(owner string, ref Ref, isNode bool) {
		if isNode && ref.Node == owner {
			v.addf("%s: node %q references itself", body.name, owner)
			return
		}
		if n, ok := body.nodes[ref.Node]; ok {
			if !ref.Control && ref.Index >= n.Outputs() {
				v.addf("%s: %q references output %d of %q, which has %d outputs", body.name, owner, ref.Index, ref.Node, n.Outputs())
			}
			return
		}
		if _, ok := body.inputIdx[ref.Node]; ok {
			if !ref.Control && ref.Index != 0 {
				v.addf("%s: %q references output %d of input %q", body.name, owner, ref.Index, ref.Node)
			}
			return
		}
		if ws, ok := g.weights[ref.Node]; ok {
			if !ref.Control && ref.Index >= len(ws) {
				v.addf("%s: %q references tensor %d of weight %q, which has %d", body.name, owner, ref.Index, ref.Node, len(ws))
			}
			return
		}
		v.addf("%s: %q references unknown tensor %q", body.name, owner, ref.String())
	}
	for _, n := range body.order {
		for _, ref := range n.Inputs {
			check(n.Name, ref, true)
		}
	}
	for _, ref := range body.outputs {
		check("output", ref, false)
	}
}

// checkControlFlow verifies that If and While nodes name existing functions
// with compatible arity.
func (v *validator) checkControlFlow(g *Graph, body *Body) {
	fn := func(n *Node, attr string) *Function {
		name, err := n.Attrs.String(attr, "")
		if err != nil || name == "" {
			v.addf("%s: %s node %q is missing the %q attribute", body.name, n.Op, n.Name, attr)
			return nil
		}
		f, ok := g.functions[name]
		if !ok {
			v.addf("%s: %s node %q references unknown function %q", body.name, n.Op, n.Name, name)
			return nil
		}
		return f
	}
	for _, n := range body.order {
		args := len(n.DataInputs())
		switch n.Op {
		case OpIf:
			if args == 0 {
				v.addf("%s: If node %q has no predicate input", body.name, n.Name)
				continue
			}
			for _, attr := range []string{AttrThenBranch, AttrElseBranch} {
				f := fn(n, attr)
				if f == nil {
					continue
				}
				if len(f.inputs) != args-1 {
					v.addf("%s: If node %q passes %d arguments to %q, which takes %d", body.name, n.Name, args-1, f.name, len(f.inputs))
				}
				if len(f.outputs) != n.Outputs() {
					v.addf("%s: If node %q has %d outputs but %q returns %d", body.name, n.Name, n.Outputs(), f.name, len(f.outputs))
				}
			}
		case OpWhile:
			cond, loop := fn(n, AttrCond), fn(n, AttrBody)
			if cond != nil {
				if len(cond.inputs) != args {
					v.addf("%s: While node %q passes %d loop variables to condition %q, which takes %d", body.name, n.Name, args, cond.name, len(cond.inputs))
				}
				if len(cond.outputs) != 1 {
					v.addf("%s: While condition %q must return exactly one tensor", body.name, cond.name)
				}
			}
			if loop != nil {
				if len(loop.inputs) != args || len(loop.outputs) != args {
					v.addf("%s: While body %q must take and return %d loop variables", body.name, loop.name, args)
				}
			}
			if n.Outputs() != args {
				v.addf("%s: While node %q has %d outputs for %d loop variables", body.name, n.Name, n.Outputs(), args)
			}
		}
	}
}

// checkCycles runs a three-colour depth-first search over the node
// dependencies of body.
func (v *validator) checkCycles(body *Body) {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if permanent[n.Name] {
			return false
		}
		if temporary[n.Name] {
			v.addf("%s: cycle detected involving node %q", body.name, n.Name)
			return true
		}
		temporary[n.Name] = true
		for _, dependent := range body.consumers[n.Name] {
			if visit(dependent) {
				return true
			}
		}
		delete(temporary, n.Name)
		permanent[n.Name] = true
		return false
	}

	for _, n := range body.order {
		if !permanent[n.Name] && visit(n) {
			return
		}
	}
}

// checkFunctionRecursion rejects functions that, directly or through other
// functions, evaluate themselves.
func (v *validator) checkFunctionRecursion(g *Graph, specs []FunctionSpec) {
	calls := func(f *Function) []string {
		var out []string
		for _, n := range f.order {
			for _, attr := range []string{AttrThenBranch, AttrElseBranch, AttrCond, AttrBody} {
				if name, err := n.Attrs.String(attr, ""); err == nil && name != "" && IsControlFlow(n.Op) {
					out = append(out, name)
				}
			}
		}
		return out
	}

	state := make(map[string]int) // 1 visiting, 2 done
	var visit func(name string) bool
	visit = func(name string) bool {
		f, ok := g.functions[name]
		if !ok || state[name] == 2 {
			return false
		}
		if state[name] == 1 {
			v.addf("function %q is recursive", name)
			return true
		}
		state[name] = 1
		for _, callee := range calls(f) {
			if visit(callee) {
				return true
			}
		}
		state[name] = 2
		return false
	}
	for _, spec := range specs {
		if visit(spec.Name) {
			return
		}
	}
}
