package kernels

import (
	"context"
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

func init() {
	Register("Identity", KernelFunc(identity))
	Register("Const", KernelFunc(constant))
	Register("Reshape", KernelFunc(reshape))
	Register("Shape", KernelFunc(shapeOf))
	Register("ZerosLike", KernelFunc(fillLike(0)))
	Register("OnesLike", KernelFunc(fillLike(1)))
	Register("Concat", KernelFunc(concat))
	Register("Split", KernelFunc(split))
	Register("Select", KernelFunc(selectOp))

	Alias("StopGradient", "Identity")
	Alias("Snapshot", "Identity")
	Alias("ConcatV2", "Concat")
	Alias("SelectV2", "Select")
}

// identity returns its inputs as is, so runtimes hand back the same tensors.
func identity(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("Identity: expected at least 1 input")
	}
	return append([]*Array(nil), inputs...), nil
}

func constant(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Const", inputs, 0); err != nil {
		return nil, err
	}
	values, err := attrs.Floats("value")
	if err != nil {
		return nil, err
	}
	dims, err := attrs.Ints("shape")
	if err != nil {
		return nil, err
	}
	shape := tensor.Shape(dims)
	if dims == nil {
		shape = tensor.Shape{len(values)}
	}
	name, err := attrs.String("dtype", "float32")
	if err != nil {
		return nil, err
	}
	dtype, err := tensor.ParseDType(name)
	if err != nil {
		return nil, err
	}
	if shape.Size() != len(values) {
		if len(values) != 1 {
			return nil, fmt.Errorf("Const: %d values do not fill shape %s", len(values), shape)
		}
		out := NewArray(shape, dtype)
		for i := range out.Data {
			out.Data[i] = values[0]
		}
		return one(out), nil
	}
	return one(&Array{Shape: shape.Clone(), DType: dtype, Data: values}), nil
}

func reshape(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	var dims []int
	switch len(inputs) {
	case 1:
		var err error
		if dims, err = attrs.Ints("shape"); err != nil {
			return nil, err
		}
		if dims == nil {
			return nil, fmt.Errorf("Reshape: missing shape attribute")
		}
	case 2:
		for _, v := range inputs[1].Data {
			dims = append(dims, int(v))
		}
	default:
		return nil, fmt.Errorf("Reshape: expected 1 or 2 inputs, got %d", len(inputs))
	}
	in := inputs[0]
	shape, err := tensor.Shape(dims).Resolve(len(in.Data))
	if err != nil {
		return nil, fmt.Errorf("Reshape: %w", err)
	}
	return one(&Array{Shape: shape, DType: in.DType, Data: append([]float32(nil), in.Data...)}), nil
}

func shapeOf(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Shape", inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	out := NewArray(tensor.Shape{len(in.Shape)}, tensor.Int32)
	for i, d := range in.Shape {
		out.Data[i] = float32(d)
	}
	return one(out), nil
}

func fillLike(value float32) KernelFunc {
	return func(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("fill: expected 1 input, got %d", len(inputs))
		}
		out := NewArray(inputs[0].Shape, inputs[0].DType)
		for i := range out.Data {
			out.Data[i] = value
		}
		return one(out), nil
	}
}

// concat joins inputs along the axis attribute; all other dimensions must agree.
func concat(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("Concat: expected at least 1 input")
	}
	axis, err := attrs.Int("axis", 0)
	if err != nil {
		return nil, err
	}
	first := inputs[0]
	rank := len(first.Shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("Concat: axis %d out of range for rank %d", axis, rank)
	}

	shape := first.Shape.Clone()
	shape[axis] = 0
	for _, in := range inputs {
		if len(in.Shape) != rank {
			return nil, fmt.Errorf("Concat: rank mismatch %s vs %s", first.Shape, in.Shape)
		}
		for d := range in.Shape {
			if d != axis && in.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("Concat: shape mismatch %s vs %s", first.Shape, in.Shape)
			}
		}
		shape[axis] += in.Shape[axis]
	}

	// outer = product of dims before axis, inner = product of dims after axis.
	outer := tensor.Shape(first.Shape[:axis]).Size()
	inner := tensor.Shape(first.Shape[axis+1:]).Size()
	out := NewArray(shape, first.DType)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, in := range inputs {
			chunk := in.Shape[axis] * inner
			pos += copy(out.Data[pos:], in.Data[o*chunk:(o+1)*chunk])
		}
	}
	return one(out), nil
}

// split cuts the input into num_split equal parts along the first dimension.
func split(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Split", inputs, 1); err != nil {
		return nil, err
	}
	n, err := attrs.Int("num_split", 1)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	if len(in.Shape) == 0 || n <= 0 || in.Shape[0]%n != 0 {
		return nil, fmt.Errorf("Split: cannot split shape %s into %d parts", in.Shape, n)
	}
	shape := in.Shape.Clone()
	shape[0] /= n
	size := shape.Size()
	outs := make([]*Array, n)
	for i := range outs {
		outs[i] = &Array{Shape: shape.Clone(), DType: in.DType, Data: append([]float32(nil), in.Data[i*size:(i+1)*size]...)}
	}
	return outs, nil
}

// selectOp picks from the second input where the condition is true and from the third otherwise.
func selectOp(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Select", inputs, 3); err != nil {
		return nil, err
	}
	cond, a, b := inputs[0], inputs[1], inputs[2]
	shape, err := broadcastShape(a.Shape, b.Shape)
	if err == nil {
		shape, err = broadcastShape(shape, cond.Shape)
	}
	if err != nil {
		return nil, fmt.Errorf("Select: %w", err)
	}
	out := NewArray(shape, a.DType)
	for i := range out.Data {
		if cond.Data[broadcastIndex(shape, cond.Shape, i)] != 0 {
			out.Data[i] = a.Data[broadcastIndex(shape, a.Shape, i)]
		} else {
			out.Data[i] = b.Data[broadcastIndex(shape, b.Shape, i)]
		}
	}
	return one(out), nil
}
