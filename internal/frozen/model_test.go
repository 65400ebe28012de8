package frozen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/frozengraph/internal/executor"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/hclgraph"
	"github.com/specialistvlad/frozengraph/internal/loader"
	"github.com/specialistvlad/frozengraph/internal/runtime/cpu"
	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/specialistvlad/frozengraph/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doubleHCL = `
graph "double" {
  version = "3"
}

input "x" {
  dtype = "float32"
  shape = [1, 4]
}

node "double" {
  op     = "LinearScale"
  inputs = ["x"]
  attrs  = { scale = 2 }
}

outputs = ["double"]
`

const conditionalHCL = `
graph "conditional" {}

input "x" {
  shape = [1]
}

weight "zero" {
  values = [0]
}

node "positive" {
  op     = "Greater"
  inputs = ["x", "zero"]
}

node "result" {
  op     = "If"
  inputs = ["positive", "x"]
  attrs  = { then_branch = "twice", else_branch = "negate" }
}

function "twice" {
  input "v" {}
  node "out" {
    op     = "LinearScale"
    inputs = ["v"]
    attrs  = { scale = 2 }
  }
  outputs = ["out"]
}

function "negate" {
  input "v" {}
  node "out" {
    op     = "Neg"
    inputs = ["v"]
  }
  outputs = ["out"]
}

outputs = ["result"]
`

const chainHCL = `
graph "chain" {}

input "x" {
  shape = [2]
}

weight "bias" {
  values = [10, 20]
}

node "a" {
  op     = "Add"
  inputs = ["x", "bias"]
}

node "b" {
  op     = "Square"
  inputs = ["a"]
}

node "c" {
  op     = "Neg"
  inputs = ["b"]
}

outputs = ["c"]
`

// writeModel stores src as model.hcl in a temporary directory and returns
// its file:// URL.
func writeModel(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return hclgraph.Scheme + path
}

func load(t *testing.T, src string, opts ...Option) (*Model, *testutil.RecordingRuntime, *cpu.Runtime) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	inner := cpu.New()
	rt := testutil.NewRecordingRuntime(inner)
	m, err := Load(ctx, writeModel(t, src), append([]Option{WithRuntime(rt)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m, rt, inner
}

func TestPredictDouble(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, rt, inner := load(t, doubleHCL)

	assert.Equal(t, "3", m.Version())
	assert.Equal(t, []string{"double"}, m.Outputs())
	assert.Equal(t, []graph.Placeholder{{Name: "x", DType: tensor.Float32, Shape: tensor.Shape{1, 4}}}, m.Inputs())
	assert.False(t, m.Capabilities().RequiresAsync())
	assert.Empty(t, m.Weights())

	x := testutil.Values(t, rt, tensor.Shape{1, 4}, 1, 2, 3, 4)
	res, err := m.Predict(ctx, x, PredictConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"double"}, res.Names())
	if diff := cmp.Diff([]float32{2, 4, 6, 8}, testutil.Read(t, rt, res.Tensor())); diff != "" {
		t.Errorf("prediction mismatch (-want +got):\n%s", diff)
	}

	res.Dispose()
	rt.Dispose(x)
	assert.Zero(t, inner.Live())
}

func TestPredictInputForms(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, rt, _ := load(t, doubleHCL)
	x := testutil.Values(t, rt, tensor.Shape{1, 4}, 1, 1, 1, 1)
	flat := testutil.Values(t, rt, tensor.Shape{4}, 1, 1, 1, 1)

	testCases := []struct {
		name    string
		inputs  any
		wantErr any
	}{
		{name: "single tensor", inputs: x},
		{name: "slice", inputs: []tensor.Tensor{x}},
		{name: "named map", inputs: tensor.NamedMap{"x": x}},
		{name: "plain map", inputs: map[string]tensor.Tensor{"x": x}},
		{name: "too many positional", inputs: []tensor.Tensor{x, x}, wantErr: new(*executor.InputCountError)},
		{name: "no inputs", inputs: nil, wantErr: new(*executor.InputCountError)},
		{name: "wrong shape", inputs: flat, wantErr: new(*executor.InputShapeMismatchError)},
		{name: "undeclared name", inputs: tensor.NamedMap{"double": x}, wantErr: new(*executor.UnknownTensorError)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := m.Predict(ctx, tc.inputs, PredictConfig{})
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.ErrorAs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []float32{2, 2, 2, 2}, testutil.Read(t, rt, res.Tensor()))
			res.Dispose()
		})
	}

	_, err := m.Predict(ctx, 42, PredictConfig{})
	assert.ErrorContains(t, err, "unsupported input type int")
}

func TestExecuteAsyncRejectsStaticGraphs(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, rt, _ := load(t, doubleHCL)
	x := testutil.Values(t, rt, tensor.Shape{1, 4}, 1, 2, 3, 4)

	got := <-m.ExecuteAsync(ctx, x)
	var pathErr *executor.WrongExecutionPathError
	require.ErrorAs(t, got.Err, &pathErr)
	assert.Equal(t, "Execute", pathErr.Use)
	assert.Nil(t, got.Result)
	assert.Empty(t, rt.Ops())
}

func TestConditionalModel(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, rt, inner := load(t, conditionalHCL)
	require.True(t, m.Capabilities().HasControlFlow)
	x := testutil.Values(t, rt, tensor.Shape{1}, -3)

	t.Run("sync paths are rejected without running kernels", func(t *testing.T) {
		rt.Reset()
		_, err := m.Predict(ctx, x, PredictConfig{})
		var pathErr *executor.WrongExecutionPathError
		require.ErrorAs(t, err, &pathErr)
		assert.Equal(t, "ExecuteAsync", pathErr.Use)

		_, err = m.Execute(ctx, tensor.NamedMap{"x": x})
		require.ErrorAs(t, err, &pathErr)
		assert.Empty(t, rt.Ops())
	})

	t.Run("async takes the else branch", func(t *testing.T) {
		rt.Reset()
		got := <-m.ExecuteAsync(ctx, tensor.NamedMap{"x": x})
		require.NoError(t, got.Err)
		assert.Equal(t, []float32{3}, testutil.Read(t, rt, got.Result.Tensor()))
		assert.Zero(t, rt.Calls("LinearScale"))
		assert.Equal(t, 1, rt.Calls("Neg"))
		got.Result.Dispose()
	})

	rt.Dispose(x)
	assert.Equal(t, 1, inner.Live(), "only the weight remains")
}

func TestExecutePartialAndIntermediate(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, rt, _ := load(t, chainHCL)

	x := testutil.Values(t, rt, tensor.Shape{2}, 1, 2)
	res, err := m.Execute(ctx, x, "a", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Names())
	assert.Equal(t, []float32{11, 22}, testutil.Read(t, rt, res.Map()["a"]))
	assert.Equal(t, []float32{-121, -484}, testutil.Read(t, rt, res.Tensors()[1]))
	res.Dispose()

	rt.Reset()
	b := testutil.Values(t, rt, tensor.Shape{2}, 3, 4)
	res, err = m.Execute(ctx, tensor.NamedMap{"b": b}, "c")
	require.NoError(t, err)
	assert.Equal(t, []float32{-3, -4}, testutil.Read(t, rt, res.Tensor()))
	assert.Equal(t, []string{"Neg"}, rt.Ops())
	res.Dispose()

	same, err := m.Execute(ctx, tensor.NamedMap{"b": b}, "b", "bias")
	require.NoError(t, err)
	same.Dispose()
	assert.Equal(t, []float32{3, 4}, testutil.Read(t, rt, b), "fed tensors survive Result.Dispose")
	assert.Equal(t, []float32{10, 20}, testutil.Read(t, rt, m.Weights()["bias"][0]), "weights survive Result.Dispose")
}

func TestDispose(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, rt, inner := load(t, chainHCL)
	require.Equal(t, 1, inner.Live())

	m.Dispose()
	m.Dispose()
	assert.Zero(t, inner.Live())
	assert.Nil(t, m.Inputs())
	assert.Empty(t, m.Version())

	x := testutil.Values(t, rt, tensor.Shape{2}, 1, 2)
	_, err := m.Predict(ctx, x, PredictConfig{})
	assert.ErrorIs(t, err, ErrDisposed)
	got := <-m.ExecuteAsync(ctx, x)
	assert.ErrorIs(t, got.Err, ErrDisposed)
	assert.ErrorIs(t, m.Load(ctx), ErrDisposed)
}

func TestLoadErrors(t *testing.T) {
	ctx, _ := testutil.Context(t)

	t.Run("unresolved url", func(t *testing.T) {
		err := New("ftp://models/double").Load(ctx)
		var unresolved *loader.UnresolvedHandlerError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "ftp://models/double", unresolved.URL)
	})

	t.Run("not loaded", func(t *testing.T) {
		_, err := New("unused.hcl").Execute(ctx, nil)
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("integrity failure releases weights", func(t *testing.T) {
		rt := cpu.New()
		src := `
weight "w" {
  values = [1, 2]
}

node "broken" {
  op     = "Add"
  inputs = ["w", "missing"]
}

outputs = ["broken"]
`
		_, err := Load(ctx, writeModel(t, src), WithRuntime(rt))
		var integrity *graph.IntegrityError
		require.ErrorAs(t, err, &integrity)
		assert.Zero(t, rt.Live())
	})

	t.Run("handler failure", func(t *testing.T) {
		boom := errors.New("bucket unavailable")
		h := loader.HandlerFunc(func(context.Context) (*loader.Artifacts, error) { return nil, boom })
		err := New("anything", WithHandler(h)).Load(ctx)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("double load", func(t *testing.T) {
		m := New(writeModel(t, doubleHCL))
		require.NoError(t, m.Load(ctx))
		assert.ErrorContains(t, m.Load(ctx), "already loaded")
	})
}

func TestExplicitHandlerWinsOverRouting(t *testing.T) {
	ctx, _ := testutil.Context(t)
	def, err := hclgraph.Parse(ctx, hclgraph.Source{Filename: "inline.hcl", Data: []byte(doubleHCL)})
	require.NoError(t, err)

	m, err := Load(ctx, "gs://not-used/model.hcl", WithHandler(loader.Static(&loader.Artifacts{Source: "inline", Graph: def})))
	require.NoError(t, err)
	defer m.Dispose()
	assert.Equal(t, "inline", m.Source())
	assert.Equal(t, "gs://not-used/model.hcl", m.URL())
}
