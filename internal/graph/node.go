package graph

import (
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Node is one operation record. Nodes are created by the operation
// transform and never modified once handed to a Builder.
type Node struct {
	Name string
	Op   string
	// Inputs lists data inputs in kernel argument order, interleaved with
	// control references.
	Inputs []Ref
	// NumOutputs is the number of tensors the op yields. Zero means one.
	NumOutputs int
	Attrs      tensor.Attrs
}

// Outputs is the number of tensors the node yields.
func (n *Node) Outputs() int {
	if n.NumOutputs <= 0 {
		return 1
	}
	return n.NumOutputs
}

// OutputNames returns the reference names of every node output.
func (n *Node) OutputNames() []string {
	names := make([]string, n.Outputs())
	for i := range names {
		names[i] = Ref{Node: n.Name, Index: i}.String()
	}
	return names
}

// DataInputs returns the inputs that carry tensors, in order.
func (n *Node) DataInputs() []Ref {
	out := make([]Ref, 0, len(n.Inputs))
	for _, ref := range n.Inputs {
		if !ref.Control {
			out = append(out, ref)
		}
	}
	return out
}

// Placeholder declares a graph or function input.
type Placeholder struct {
	Name  string
	DType tensor.DType
	// Shape may contain -1 for dimensions known only at call time. Nil means
	// the rank is unknown.
	Shape tensor.Shape
}

// Body is an ordered set of nodes with declared inputs and outputs. The main
// graph and every function in its library are bodies.
type Body struct {
	name      string
	nodes     map[string]*Node
	order     []*Node
	inputs    []Placeholder
	inputIdx  map[string]int
	outputs   []Ref
	consumers map[string][]*Node
}

func newBody(name string) Body {
	return Body{
		name:      name,
		nodes:     make(map[string]*Node),
		inputIdx:  make(map[string]int),
		consumers: make(map[string][]*Node),
	}
}

func (b *Body) Name() string { return b.name }

// Node returns the node called name.
func (b *Body) Node(name string) (*Node, bool) {
	n, ok := b.nodes[name]
	return n, ok
}

// Nodes returns every node in definition order.
func (b *Body) Nodes() []*Node { return b.order }

// Inputs returns the declared inputs in order.
func (b *Body) Inputs() []Placeholder { return b.inputs }

// Input returns the declared input called name.
func (b *Body) Input(name string) (Placeholder, bool) {
	i, ok := b.inputIdx[name]
	if !ok {
		return Placeholder{}, false
	}
	return b.inputs[i], true
}

// Outputs returns the declared output references in order.
func (b *Body) Outputs() []Ref { return b.outputs }

// Consumers returns the nodes that read any output of name, data or control.
func (b *Body) Consumers(name string) []*Node { return b.consumers[name] }

// Function is a named subgraph evaluated by control-flow nodes.
type Function struct {
	Body
}
