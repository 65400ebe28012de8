package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/stretchr/testify/require"
)

// RecordingRuntime wraps a tensor runtime and records every op it applies.
// An op listed in Fail makes Apply return that error instead.
type RecordingRuntime struct {
	tensor.Runtime

	mu    sync.Mutex
	ops   []string
	fail  map[string]error
	reads int
}

// NewRecordingRuntime wraps rt.
func NewRecordingRuntime(rt tensor.Runtime) *RecordingRuntime {
	return &RecordingRuntime{Runtime: rt, fail: make(map[string]error)}
}

// FailOn makes every later Apply of op return err.
func (r *RecordingRuntime) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = err
}

func (r *RecordingRuntime) Apply(ctx context.Context, op string, inputs []tensor.Tensor, attrs tensor.Attrs) ([]tensor.Tensor, error) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	err := r.fail[op]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.Runtime.Apply(ctx, op, inputs, attrs)
}

func (r *RecordingRuntime) Read(ctx context.Context, t tensor.Tensor) ([]float32, error) {
	r.mu.Lock()
	r.reads++
	r.mu.Unlock()
	return r.Runtime.Read(ctx, t)
}

// Ops returns the applied ops in call order.
func (r *RecordingRuntime) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// Calls counts how many times op was applied.
func (r *RecordingRuntime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.ops {
		if o == op {
			n++
		}
	}
	return n
}

// Reads counts host reads, e.g. of control-flow predicates.
func (r *RecordingRuntime) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

// Reset forgets the recorded calls.
func (r *RecordingRuntime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
	r.reads = 0
}

// Values allocates a float32 tensor on rt, failing the test on error.
func Values(t *testing.T, rt tensor.Runtime, shape tensor.Shape, values ...float32) tensor.Tensor {
	t.Helper()
	return Typed(t, rt, tensor.Float32, shape, values...)
}

// Typed allocates a tensor of the given dtype on rt.
func Typed(t *testing.T, rt tensor.Runtime, dtype tensor.DType, shape tensor.Shape, values ...float32) tensor.Tensor {
	t.Helper()
	out, err := rt.FromValues(context.Background(), values, shape, dtype)
	require.NoError(t, err)
	return out
}

// Read returns the values held by tt.
func Read(t *testing.T, rt tensor.Runtime, tt tensor.Tensor) []float32 {
	t.Helper()
	values, err := rt.Read(context.Background(), tt)
	require.NoError(t, err)
	return values
}
