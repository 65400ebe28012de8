// Package graph holds the immutable execution graph of a frozen model: its
// operation records, declared inputs and outputs, weights, the function
// library used by control flow, and the capability flags that decide which
// execution path may run it.
//
// A Graph is only obtainable through Builder.Build, which validates it, and
// is safe for concurrent reads afterwards.
package graph

import (
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Graph is the validated, read-only representation of a model.
type Graph struct {
	Body

	weights   map[string][]tensor.Tensor
	weightIDs map[uint64]struct{}
	functions map[string]*Function
	caps      Capabilities
	version   string
}

// Capabilities returns the control-flow and dynamic-shape flags.
func (g *Graph) Capabilities() Capabilities { return g.caps }

// Version is the model version recorded by the producer, if any.
func (g *Graph) Version() string { return g.version }

// Weight returns the tensors bound to the weight called name.
func (g *Graph) Weight(name string) ([]tensor.Tensor, bool) {
	ts, ok := g.weights[name]
	return ts, ok
}

// Weights returns a copy of the weight map. The tensors themselves are shared.
func (g *Graph) Weights() map[string][]tensor.Tensor {
	out := make(map[string][]tensor.Tensor, len(g.weights))
	for name, ts := range g.weights {
		out[name] = append([]tensor.Tensor(nil), ts...)
	}
	return out
}

// IsWeightTensor reports whether t is one of the graph's weight tensors.
func (g *Graph) IsWeightTensor(t tensor.Tensor) bool {
	_, ok := g.weightIDs[t.ID()]
	return ok
}

// Function returns the library function called name.
func (g *Graph) Function(name string) (*Function, bool) {
	f, ok := g.functions[name]
	return f, ok
}

// Functions returns the number of library functions.
func (g *Graph) Functions() int { return len(g.functions) }

// Resolves reports whether name is a node, declared input or weight of body,
// or a weight of g.
func (g *Graph) Resolves(body *Body, name string) bool {
	if _, ok := body.nodes[name]; ok {
		return true
	}
	if _, ok := body.inputIdx[name]; ok {
		return true
	}
	_, ok := g.weights[name]
	return ok
}
