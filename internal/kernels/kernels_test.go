package kernels

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func arr(shape tensor.Shape, data ...float32) *Array {
	return &Array{Shape: shape, DType: tensor.Float32, Data: data}
}

func apply(t *testing.T, op string, attrs tensor.Attrs, inputs ...*Array) []*Array {
	t.Helper()
	k, err := Lookup(op)
	require.NoError(t, err)
	out, err := k.Apply(context.Background(), inputs, attrs)
	require.NoError(t, err)
	return out
}

func TestLookup(t *testing.T) {
	_, err := Lookup("NoSuchOp")
	var unsupported *UnsupportedOpError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "NoSuchOp", unsupported.Op)

	k, err := Lookup("Multiply")
	require.NoError(t, err, "aliases resolve to their target kernel")
	require.NotNil(t, k)

	assert.Contains(t, Ops(), "LinearScale")
}

func TestRegisterAfterSealPanics(t *testing.T) {
	_, _ = Lookup("Add")
	assert.Panics(t, func() {
		Register("LateOp", KernelFunc(identity))
	})
}

func TestElementwise(t *testing.T) {
	testCases := []struct {
		name   string
		op     string
		attrs  tensor.Attrs
		inputs []*Array
		want   *Array
	}{
		{
			name:   "linear scale doubles",
			op:     "LinearScale",
			attrs:  tensor.Attrs{"scale": cty.NumberIntVal(2)},
			inputs: []*Array{arr(tensor.Shape{1, 4}, 1, 2, 3, 4)},
			want:   arr(tensor.Shape{1, 4}, 2, 4, 6, 8),
		},
		{
			name:   "add broadcasts a scalar",
			op:     "Add",
			inputs: []*Array{arr(tensor.Shape{3}, 1, 2, 3), arr(tensor.Shape{}, 10)},
			want:   arr(tensor.Shape{3}, 11, 12, 13),
		},
		{
			name:   "mul broadcasts a row over a matrix",
			op:     "Mul",
			inputs: []*Array{arr(tensor.Shape{2, 2}, 1, 2, 3, 4), arr(tensor.Shape{2}, 10, 100)},
			want:   arr(tensor.Shape{2, 2}, 10, 200, 30, 400),
		},
		{
			name:   "greater yields bool",
			op:     "Greater",
			inputs: []*Array{arr(tensor.Shape{1}, -3), arr(tensor.Shape{}, 0)},
			want:   &Array{Shape: tensor.Shape{1}, DType: tensor.Bool, Data: []float32{0}},
		},
		{
			name:   "relu",
			op:     "Relu",
			inputs: []*Array{arr(tensor.Shape{3}, -1, 0, 2)},
			want:   arr(tensor.Shape{3}, 0, 0, 2),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := apply(t, tc.op, tc.attrs, tc.inputs...)
			require.Len(t, out, 1)
			if diff := cmp.Diff(tc.want, out[0], cmpopts.EquateApprox(0, 1e-6)); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tc.op, diff)
			}
		})
	}
}

func TestBroadcastIncompatible(t *testing.T) {
	k, err := Lookup("Add")
	require.NoError(t, err)
	_, err = k.Apply(context.Background(), []*Array{arr(tensor.Shape{2}, 1, 2), arr(tensor.Shape{3}, 1, 2, 3)}, nil)
	assert.ErrorContains(t, err, "not broadcast compatible")
}

func TestShapeKernels(t *testing.T) {
	t.Run("identity returns the same arrays", func(t *testing.T) {
		in := arr(tensor.Shape{2}, 1, 2)
		out := apply(t, "Identity", nil, in)
		assert.Same(t, in, out[0])
	})

	t.Run("reshape infers a wildcard", func(t *testing.T) {
		out := apply(t, "Reshape", tensor.Attrs{"shape": cty.TupleVal([]cty.Value{cty.NumberIntVal(-1), cty.NumberIntVal(2)})},
			arr(tensor.Shape{4}, 1, 2, 3, 4))
		assert.Equal(t, tensor.Shape{2, 2}, out[0].Shape)
	})

	t.Run("concat along axis 1", func(t *testing.T) {
		out := apply(t, "Concat", tensor.Attrs{"axis": cty.NumberIntVal(1)},
			arr(tensor.Shape{2, 1}, 1, 2), arr(tensor.Shape{2, 2}, 3, 4, 5, 6))
		assert.Equal(t, tensor.Shape{2, 3}, out[0].Shape)
		assert.Equal(t, []float32{1, 3, 4, 2, 5, 6}, out[0].Data)
	})

	t.Run("split yields several outputs", func(t *testing.T) {
		out := apply(t, "Split", tensor.Attrs{"num_split": cty.NumberIntVal(2)}, arr(tensor.Shape{4}, 1, 2, 3, 4))
		require.Len(t, out, 2)
		assert.Equal(t, []float32{3, 4}, out[1].Data)
	})

	t.Run("const fills a shape", func(t *testing.T) {
		out := apply(t, "Const", tensor.Attrs{
			"value": cty.TupleVal([]cty.Value{cty.NumberIntVal(7)}),
			"shape": cty.TupleVal([]cty.Value{cty.NumberIntVal(2), cty.NumberIntVal(2)}),
		})
		assert.Equal(t, []float32{7, 7, 7, 7}, out[0].Data)
	})
}

func TestReductions(t *testing.T) {
	m := arr(tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)

	out := apply(t, "Sum", nil, m)
	assert.Equal(t, tensor.Shape{}, out[0].Shape)
	assert.Equal(t, []float32{21}, out[0].Data)

	out = apply(t, "Sum", tensor.Attrs{"axis": cty.NumberIntVal(0)}, m)
	assert.Equal(t, tensor.Shape{3}, out[0].Shape)
	assert.Equal(t, []float32{5, 7, 9}, out[0].Data)

	out = apply(t, "Mean", tensor.Attrs{"axis": cty.NumberIntVal(-1), "keep_dims": cty.True}, m)
	assert.Equal(t, tensor.Shape{2, 1}, out[0].Shape)
	assert.Equal(t, []float32{2, 5}, out[0].Data)

	out = apply(t, "MatMul", nil, arr(tensor.Shape{1, 2}, 1, 2), arr(tensor.Shape{2, 2}, 1, 0, 0, 1))
	assert.Equal(t, []float32{1, 2}, out[0].Data)
}

func TestRmsNorm(t *testing.T) {
	out := apply(t, "RmsNorm", tensor.Attrs{"epsilon": cty.NumberFloatVal(0)}, arr(tensor.Shape{2}, 3, 4))
	// rms = sqrt((9+16)/2)
	want := []float32{0.84852815, 1.1313709}
	if diff := cmp.Diff(want, out[0].Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("RmsNorm mismatch (-want +got):\n%s", diff)
	}
}

func TestDynamicKernels(t *testing.T) {
	out := apply(t, "NonZero", nil, arr(tensor.Shape{4}, 0, 3, 0, 1))
	assert.Equal(t, tensor.Shape{2}, out[0].Shape)
	assert.Equal(t, []float32{1, 3}, out[0].Data)

	out = apply(t, "BooleanMask", nil, arr(tensor.Shape{3}, 1, 2, 3), arr(tensor.Shape{3}, 1, 0, 1))
	assert.Equal(t, []float32{1, 3}, out[0].Data)

	out = apply(t, "Unique", nil, arr(tensor.Shape{4}, 5, 5, 2, 5))
	require.Len(t, out, 2)
	assert.Equal(t, []float32{5, 2}, out[0].Data)
	assert.Equal(t, []float32{0, 0, 1, 0}, out[1].Data)
}
