package cpu

import (
	"context"
	"sync"
	"testing"

	"github.com/specialistvlad/frozengraph/internal/kernels"
	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestRuntimeApply(t *testing.T) {
	ctx := context.Background()
	rt := New()

	x, err := rt.FromValues(ctx, []float32{1, 2, 3, 4}, tensor.Shape{1, 4}, tensor.Float32)
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Live())

	out, err := rt.Apply(ctx, "LinearScale", []tensor.Tensor{x}, tensor.Attrs{"scale": cty.NumberIntVal(2)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, rt.Live())
	assert.NotEqual(t, x.ID(), out[0].ID())

	values, err := rt.Read(ctx, out[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6, 8}, values)
	assert.Equal(t, tensor.Shape{1, 4}, out[0].Shape())
}

func TestRuntimeIdentityAliasesInput(t *testing.T) {
	ctx := context.Background()
	rt := New()
	x, err := rt.FromValues(ctx, []float32{1}, tensor.Shape{1}, tensor.Float32)
	require.NoError(t, err)

	out, err := rt.Apply(ctx, "Identity", []tensor.Tensor{x}, nil)
	require.NoError(t, err)
	assert.Same(t, x, out[0])
	assert.Equal(t, 1, rt.Live(), "identity must not allocate")
}

func TestRuntimeDispose(t *testing.T) {
	ctx := context.Background()
	rt := New()
	x, err := rt.FromValues(ctx, []float32{1}, tensor.Shape{1}, tensor.Float32)
	require.NoError(t, err)

	rt.Dispose(x)
	rt.Dispose(x)
	assert.Equal(t, 0, rt.Live())

	_, err = rt.Read(ctx, x)
	assert.ErrorContains(t, err, "has been disposed")

	_, err = rt.Apply(ctx, "Neg", []tensor.Tensor{x}, nil)
	assert.ErrorContains(t, err, "has been disposed")
}

func TestRuntimeErrors(t *testing.T) {
	ctx := context.Background()
	rt := New()

	_, err := rt.FromValues(ctx, []float32{1, 2}, tensor.Shape{3}, tensor.Float32)
	assert.ErrorContains(t, err, "holds 3 elements")

	_, err = rt.Apply(ctx, "Frobnicate", nil, nil)
	var unsupported *kernels.UnsupportedOpError
	assert.ErrorAs(t, err, &unsupported)
}

func TestRuntimeConcurrentUse(t *testing.T) {
	ctx := context.Background()
	rt := New()
	x, err := rt.FromValues(ctx, []float32{1, 2}, tensor.Shape{2}, tensor.Float32)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := rt.Apply(ctx, "Square", []tensor.Tensor{x}, nil)
			if assert.NoError(t, err) {
				rt.Dispose(out[0])
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rt.Live())
}
