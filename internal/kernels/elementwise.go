package kernels

import (
	"context"
	"fmt"
	"math"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

func init() {
	Register("Add", binary("Add", func(a, b float32) float32 { return a + b }, nil))
	Register("Sub", binary("Sub", func(a, b float32) float32 { return a - b }, nil))
	Register("Mul", binary("Mul", func(a, b float32) float32 { return a * b }, nil))
	Register("Div", binary("Div", func(a, b float32) float32 { return a / b }, nil))
	Register("Maximum", binary("Maximum", func(a, b float32) float32 { return max(a, b) }, nil))
	Register("Minimum", binary("Minimum", func(a, b float32) float32 { return min(a, b) }, nil))
	Register("Pow", binary("Pow", func(a, b float32) float32 {
		return float32(math.Pow(float64(a), float64(b)))
	}, nil))

	boolean := func(tensor.DType, tensor.DType) tensor.DType { return tensor.Bool }
	Register("Greater", binary("Greater", func(a, b float32) float32 { return truth(a > b) }, boolean))
	Register("GreaterEqual", binary("GreaterEqual", func(a, b float32) float32 { return truth(a >= b) }, boolean))
	Register("Less", binary("Less", func(a, b float32) float32 { return truth(a < b) }, boolean))
	Register("LessEqual", binary("LessEqual", func(a, b float32) float32 { return truth(a <= b) }, boolean))
	Register("Equal", binary("Equal", func(a, b float32) float32 { return truth(a == b) }, boolean))
	Register("LogicalAnd", binary("LogicalAnd", func(a, b float32) float32 { return truth(a != 0 && b != 0) }, boolean))
	Register("LogicalOr", binary("LogicalOr", func(a, b float32) float32 { return truth(a != 0 || b != 0) }, boolean))

	Register("Neg", unary(func(v float32) float32 { return -v }, nil))
	Register("Abs", unary(func(v float32) float32 { return float32(math.Abs(float64(v))) }, nil))
	Register("Relu", unary(func(v float32) float32 { return max(v, 0) }, nil))
	Register("Sigmoid", unary(func(v float32) float32 { return float32(1 / (1 + math.Exp(-float64(v)))) }, nil))
	Register("Tanh", unary(func(v float32) float32 { return float32(math.Tanh(float64(v))) }, nil))
	Register("Exp", unary(func(v float32) float32 { return float32(math.Exp(float64(v))) }, nil))
	Register("Log", unary(func(v float32) float32 { return float32(math.Log(float64(v))) }, nil))
	Register("Sqrt", unary(func(v float32) float32 { return float32(math.Sqrt(float64(v))) }, nil))
	Register("Square", unary(func(v float32) float32 { return v * v }, nil))
	Register("LogicalNot", unary(func(v float32) float32 { return truth(v == 0) }, func(tensor.DType) tensor.DType { return tensor.Bool }))

	Register("LinearScale", KernelFunc(linearScale))
	Register("Cast", KernelFunc(cast))

	Alias("Multiply", "Mul")
	Alias("AddV2", "Add")
	Alias("Subtract", "Sub")
	Alias("RealDiv", "Div")
}

func truth(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func unary(fn func(float32) float32, dtype func(tensor.DType) tensor.DType) KernelFunc {
	return func(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("unary op: expected 1 input, got %d", len(inputs))
		}
		in := inputs[0]
		outType := in.DType
		if dtype != nil {
			outType = dtype(in.DType)
		}
		out := NewArray(in.Shape, outType)
		for i, v := range in.Data {
			out.Data[i] = fn(v)
		}
		return one(out), nil
	}
}

func binary(op string, fn func(a, b float32) float32, dtype func(a, b tensor.DType) tensor.DType) KernelFunc {
	return func(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
		if err := expectInputs(op, inputs, 2); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		shape, err := broadcastShape(a.Shape, b.Shape)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		outType := a.DType
		if dtype != nil {
			outType = dtype(a.DType, b.DType)
		}
		out := NewArray(shape, outType)
		for i := range out.Data {
			out.Data[i] = fn(a.Data[broadcastIndex(shape, a.Shape, i)], b.Data[broadcastIndex(shape, b.Shape, i)])
		}
		return one(out), nil
	}
}

// broadcastShape applies numpy broadcasting: shapes are right-aligned and
// each dimension pair must be equal or contain a 1.
func broadcastShape(a, b tensor.Shape) (tensor.Shape, error) {
	n := max(len(a), len(b))
	out := make(tensor.Shape, n)
	for i := 1; i <= n; i++ {
		da, db := dimFromRight(a, i), dimFromRight(b, i)
		switch {
		case da == db, db == 1:
			out[n-i] = da
		case da == 1:
			out[n-i] = db
		default:
			return nil, fmt.Errorf("shapes %s and %s are not broadcast compatible", a, b)
		}
	}
	return out, nil
}

func dimFromRight(s tensor.Shape, i int) int {
	if i > len(s) {
		return 1
	}
	return s[len(s)-i]
}

// broadcastIndex maps a flat index into out onto the flat index of the
// broadcast operand in.
func broadcastIndex(out, in tensor.Shape, flat int) int {
	idx, stride := 0, 1
	for i := 1; i <= len(out); i++ {
		od := out[len(out)-i]
		coord := flat % od
		flat /= od
		if i <= len(in) {
			id := in[len(in)-i]
			if id != 1 {
				idx += coord * stride
			}
			stride *= id
		}
	}
	return idx
}

func linearScale(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("LinearScale", inputs, 1); err != nil {
		return nil, err
	}
	scale, err := attrs.Float("scale", 1)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	out := NewArray(in.Shape, in.DType)
	for i, v := range in.Data {
		out.Data[i] = v * float32(scale)
	}
	return one(out), nil
}

func cast(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Cast", inputs, 1); err != nil {
		return nil, err
	}
	name, err := attrs.String("dtype", "float32")
	if err != nil {
		return nil, err
	}
	dtype, err := tensor.ParseDType(name)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	out := NewArray(in.Shape, dtype)
	for i, v := range in.Data {
		switch dtype {
		case tensor.Bool:
			out.Data[i] = truth(v != 0)
		case tensor.Int32:
			out.Data[i] = float32(math.Trunc(float64(v)))
		default:
			out.Data[i] = v
		}
	}
	return one(out), nil
}
