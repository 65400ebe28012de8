// Package graphdef holds the serialized form of a frozen model as artifact
// loaders produce it: raw node records, placeholders, outputs, a function
// library and decoded weight values. Nothing here is validated beyond the
// shape of individual values; that is the graph builder's job.
package graphdef

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// GraphDef is one complete model definition.
type GraphDef struct {
	Name     string
	Version  string
	Producer string

	Inputs    []PlaceholderDef
	Nodes     []NodeDef
	Outputs   []string
	Functions []FunctionDef
	Weights   []WeightDef
}

// PlaceholderDef declares a graph or function input.
type PlaceholderDef struct {
	Name  string
	DType string
	// Shape uses -1 for unknown dimensions; nil means unknown rank.
	Shape []int
}

// NodeDef is a raw operation record. Inputs may carry "^name" control
// references; ControlInputs is the alternative spelling some producers use.
type NodeDef struct {
	Name          string
	Op            string
	Inputs        []string
	ControlInputs []string
	// NumOutputs overrides the op's default output count when non-zero.
	NumOutputs int
	Attrs      map[string]cty.Value
}

// FunctionDef is a subgraph in the function library.
type FunctionDef struct {
	Name    string
	Inputs  []PlaceholderDef
	Outputs []string
	Nodes   []NodeDef
}

// WeightDef binds a name to one or more decoded tensors.
type WeightDef struct {
	Name    string
	Tensors []ValueDef
}

// ValueDef is a dense tensor value. Every dtype is carried as float32.
type ValueDef struct {
	DType  string
	Shape  []int
	Values []float32
}

// Size is the element count implied by the shape.
func (v ValueDef) Size() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// Check reports a value whose element count does not match its shape.
func (v ValueDef) Check() error {
	for _, d := range v.Shape {
		if d < 0 {
			return fmt.Errorf("value shape %v has a negative dimension", v.Shape)
		}
	}
	if v.Size() != len(v.Values) {
		return fmt.Errorf("value shape %v holds %d elements, got %d", v.Shape, v.Size(), len(v.Values))
	}
	return nil
}

// Stats summarizes a definition for logging.
func (g *GraphDef) Stats() (nodes, weights, functions int) {
	nodes = len(g.Nodes)
	for _, f := range g.Functions {
		nodes += len(f.Nodes)
	}
	return nodes, len(g.Weights), len(g.Functions)
}
