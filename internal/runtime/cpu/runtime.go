// Package cpu is an in-process tensor runtime that evaluates the host kernels
// from the kernels package. It keeps a table of live tensors so callers can
// check that nothing leaks between calls.
package cpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/kernels"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Tensor is a handle to an array owned by a Runtime.
type Tensor struct {
	id    uint64
	array *kernels.Array
}

func (t *Tensor) ID() uint64          { return t.id }
func (t *Tensor) Shape() tensor.Shape { return t.array.Shape }
func (t *Tensor) DType() tensor.DType { return t.array.DType }
func (t *Tensor) String() string      { return fmt.Sprintf("tensor#%d%s", t.id, t.array.Shape) }

// Array exposes the backing host array. Callers must not modify it.
func (t *Tensor) Array() *kernels.Array { return t.array }

// Runtime is safe for concurrent use.
type Runtime struct {
	nextID atomic.Uint64

	mu   sync.Mutex
	live map[uint64]*Tensor
}

// New creates an empty runtime.
func New() *Runtime {
	return &Runtime{live: make(map[uint64]*Tensor)}
}

// Apply looks up the kernel for op and evaluates it. Outputs that are one of
// the input arrays are returned as the input handle itself.
func (r *Runtime) Apply(ctx context.Context, op string, inputs []tensor.Tensor, attrs tensor.Attrs) ([]tensor.Tensor, error) {
	k, err := kernels.Lookup(op)
	if err != nil {
		return nil, err
	}
	handles := make([]*Tensor, len(inputs))
	arrays := make([]*kernels.Array, len(inputs))
	for i, in := range inputs {
		h, err := r.owned(in)
		if err != nil {
			return nil, fmt.Errorf("%s input %d: %w", op, i, err)
		}
		handles[i], arrays[i] = h, h.array
	}

	outArrays, err := k.Apply(ctx, arrays, attrs)
	if err != nil {
		return nil, err
	}

	outs := make([]tensor.Tensor, len(outArrays))
	for i, a := range outArrays {
		outs[i] = r.wrap(a, handles)
	}
	ctxlog.FromContext(ctx).Debug("Kernel applied.", "op", op, "inputs", len(inputs), "outputs", len(outs))
	return outs, nil
}

func (r *Runtime) wrap(a *kernels.Array, inputs []*Tensor) tensor.Tensor {
	for _, h := range inputs {
		if h.array == a {
			return h
		}
	}
	return r.track(a)
}

func (r *Runtime) track(a *kernels.Array) *Tensor {
	t := &Tensor{id: r.nextID.Add(1), array: a}
	r.mu.Lock()
	r.live[t.id] = t
	r.mu.Unlock()
	return t
}

// owned checks that t was allocated by r and has not been disposed.
func (r *Runtime) owned(t tensor.Tensor) (*Tensor, error) {
	h, ok := t.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("tensor %T does not belong to the cpu runtime", t)
	}
	r.mu.Lock()
	_, alive := r.live[h.id]
	r.mu.Unlock()
	if !alive {
		return nil, fmt.Errorf("tensor %d has been disposed", h.id)
	}
	return h, nil
}

// Dispose releases t. Unknown or already released tensors are ignored.
func (r *Runtime) Dispose(t tensor.Tensor) {
	if t == nil {
		return
	}
	r.mu.Lock()
	delete(r.live, t.ID())
	r.mu.Unlock()
}

// Read returns a copy of the values held by t.
func (r *Runtime) Read(_ context.Context, t tensor.Tensor) ([]float32, error) {
	h, err := r.owned(t)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), h.array.Data...), nil
}

// FromValues allocates a tensor holding a copy of values.
func (r *Runtime) FromValues(_ context.Context, values []float32, shape tensor.Shape, dtype tensor.DType) (tensor.Tensor, error) {
	if shape.Size() != len(values) {
		return nil, fmt.Errorf("shape %s holds %d elements, got %d values", shape, shape.Size(), len(values))
	}
	return r.track(&kernels.Array{Shape: shape.Clone(), DType: dtype, Data: append([]float32{}, values...)}), nil
}

// Live reports how many tensors are currently allocated.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Lookup returns the live tensor with the given id.
func (r *Runtime) Lookup(id uint64) (*Tensor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[id]
	return t, ok
}

// DisposeAll releases every live tensor.
func (r *Runtime) DisposeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.live)
	r.live = make(map[uint64]*Tensor)
	return n
}

var _ tensor.Runtime = (*Runtime)(nil)
