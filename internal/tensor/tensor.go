// Package tensor defines the boundary between the graph executor and the
// numeric runtime that owns tensor memory and evaluates kernels.
//
// The executor never looks inside a Tensor: it only routes handles between
// kernels and releases them once nothing downstream needs them.
package tensor

import (
	"context"
	"fmt"
	"strings"
)

// DType tags the element type of a tensor.
type DType string

const (
	Float32 DType = "float32"
	Int32   DType = "int32"
	Bool    DType = "bool"
)

// ParseDType maps a serialized dtype name onto a DType. An empty name means float32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "float32", "dt_float", "float":
		return Float32, nil
	case "int32", "dt_int32", "int":
		return Int32, nil
	case "bool", "dt_bool":
		return Bool, nil
	default:
		return "", fmt.Errorf("unsupported dtype %q", s)
	}
}

// Tensor is an opaque handle to an N-dimensional array owned by a Runtime.
// ID is unique per live tensor within its runtime and is what the executor
// uses for reference counting, so two handles with the same ID are the same
// tensor.
type Tensor interface {
	ID() uint64
	Shape() Shape
	DType() DType
}

// NamedMap is the public call convention: tensor name to one tensor.
type NamedMap map[string]Tensor

// Names returns the keys of m in no particular order.
func (m NamedMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// Runtime evaluates kernels and owns tensor memory.
type Runtime interface {
	// Apply runs the kernel registered for op against the ordered inputs and
	// returns its ordered outputs. A kernel may return one of its inputs
	// unchanged; the returned handle then shares the input's ID.
	Apply(ctx context.Context, op string, inputs []Tensor, attrs Attrs) ([]Tensor, error)
	// Dispose releases t. Disposing a tensor twice is a no-op.
	Dispose(t Tensor)
	// Read copies the values of t into host memory.
	Read(ctx context.Context, t Tensor) ([]float32, error)
	// FromValues allocates a tensor holding values.
	FromValues(ctx context.Context, values []float32, shape Shape, dtype DType) (Tensor, error)
}

// DisposeAll releases every tensor in ts through rt.
func DisposeAll(rt Runtime, ts ...Tensor) {
	for _, t := range ts {
		if t != nil {
			rt.Dispose(t)
		}
	}
}
