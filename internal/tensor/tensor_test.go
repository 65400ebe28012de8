package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestShapeMatches(t *testing.T) {
	testCases := []struct {
		name     string
		shape    Shape
		declared Shape
		want     bool
	}{
		{"unknown rank accepts anything", Shape{3, 2}, nil, true},
		{"exact match", Shape{1, 4}, Shape{1, 4}, true},
		{"wildcard dimension", Shape{7, 4}, Shape{-1, 4}, true},
		{"rank mismatch", Shape{4}, Shape{1, 4}, false},
		{"size mismatch", Shape{1, 3}, Shape{1, 4}, false},
		{"scalar", Shape{}, Shape{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.shape.Matches(tc.declared))
		})
	}
}

func TestShapeResolve(t *testing.T) {
	got, err := Shape{-1, 2}.Resolve(6)
	require.NoError(t, err)
	assert.Equal(t, Shape{3, 2}, got)

	_, err = Shape{-1, -1}.Resolve(4)
	assert.ErrorContains(t, err, "more than one unknown dimension")

	_, err = Shape{-1, 4}.Resolve(6)
	assert.ErrorContains(t, err, "cannot fit")

	_, err = Shape{2, 2}.Resolve(3)
	assert.ErrorContains(t, err, "holds 4 elements")
}

func TestAttrs(t *testing.T) {
	attrs := Attrs{
		"factor": cty.NumberFloatVal(2.5),
		"axis":   cty.NumberIntVal(1),
		"shape":  cty.TupleVal([]cty.Value{cty.NumberIntVal(2), cty.NumberIntVal(-1)}),
		"branch": cty.StringVal("then_fn"),
		"flag":   cty.True,
		"unset":  cty.NullVal(cty.Number),
	}

	f, err := attrs.Float("factor", 1)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	axis, err := attrs.Int("axis", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, axis)

	def, err := attrs.Int("unset", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, def)

	shape, err := attrs.Ints("shape")
	require.NoError(t, err)
	assert.Equal(t, []int{2, -1}, shape)

	branch, err := attrs.String("branch", "")
	require.NoError(t, err)
	assert.Equal(t, "then_fn", branch)

	flag, err := attrs.Bool("flag", false)
	require.NoError(t, err)
	assert.True(t, flag)

	_, err = attrs.Int("factor", 0)
	assert.Error(t, err, "a fractional number is not an int")

	_, err = attrs.Ints("branch")
	assert.ErrorContains(t, err, "expected a list")
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"": Float32, "DT_FLOAT": Float32, "int32": Int32, "bool": Bool} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDType("complex64")
	assert.Error(t, err)
}
