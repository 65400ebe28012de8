// Package kernels holds the process-wide table of host kernels, keyed by
// operation type. Kernels register themselves from init functions; the table
// is sealed the first time it is read and never changes afterwards, so
// concurrent lookups need no locking.
package kernels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Array is a dense host-memory tensor value. Every dtype is stored as
// float32; bool arrays hold 0 or 1.
type Array struct {
	Shape tensor.Shape
	DType tensor.DType
	Data  []float32
}

// NewArray allocates a zeroed array of the given shape.
func NewArray(shape tensor.Shape, dtype tensor.DType) *Array {
	return &Array{Shape: shape.Clone(), DType: dtype, Data: make([]float32, shape.Size())}
}

// Kernel evaluates one operation type.
type Kernel interface {
	Apply(ctx context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error)
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error)

// Apply calls f.
func (f KernelFunc) Apply(ctx context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	return f(ctx, inputs, attrs)
}

// UnsupportedOpError is returned when no kernel is registered for an op type.
type UnsupportedOpError struct {
	Op string
}

func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("no kernel registered for op %q", e.Op)
}

var (
	mu      sync.Mutex
	table   = make(map[string]Kernel)
	aliases = make(map[string]string)
	sealed  atomic.Bool
)

// Register adds a kernel for op. Registering the same op twice, or
// registering after the table was first read, is a programming error.
func Register(op string, k Kernel) {
	mu.Lock()
	defer mu.Unlock()
	if sealed.Load() {
		panic(fmt.Sprintf("kernel %q registered after the kernel table was sealed", op))
	}
	if _, exists := table[op]; exists {
		panic(fmt.Sprintf("kernel with name '%s' already registered", op))
	}
	table[op] = k
}

// Alias makes alias resolve to the kernel registered for op.
func Alias(alias, op string) {
	mu.Lock()
	defer mu.Unlock()
	if sealed.Load() {
		panic(fmt.Sprintf("alias %q registered after the kernel table was sealed", alias))
	}
	if _, exists := aliases[alias]; exists {
		panic(fmt.Sprintf("kernel alias '%s' already registered", alias))
	}
	aliases[alias] = op
}

// Lookup returns the kernel registered for op.
func Lookup(op string) (Kernel, error) {
	sealed.Store(true)
	if target, ok := aliases[op]; ok {
		op = target
	}
	k, ok := table[op]
	if !ok {
		return nil, &UnsupportedOpError{Op: op}
	}
	return k, nil
}

// Ops lists every registered op type in sorted order.
func Ops() []string {
	sealed.Store(true)
	ops := make([]string, 0, len(table))
	for op := range table {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func expectInputs(op string, inputs []*Array, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%s: expected %d inputs, got %d", op, n, len(inputs))
	}
	return nil
}

func one(a *Array) []*Array { return []*Array{a} }
