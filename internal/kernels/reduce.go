package kernels

import (
	"context"
	"fmt"
	"math"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

func init() {
	Register("Sum", reduction("Sum", func(acc []float32) float32 {
		var s float32
		for _, v := range acc {
			s += v
		}
		return s
	}))
	Register("Mean", reduction("Mean", func(acc []float32) float32 {
		var s float32
		for _, v := range acc {
			s += v
		}
		return s / float32(len(acc))
	}))
	Register("Max", reduction("Max", func(acc []float32) float32 {
		m := float32(math.Inf(-1))
		for _, v := range acc {
			m = max(m, v)
		}
		return m
	}))
	Register("MatMul", KernelFunc(matMul))
	Register("RmsNorm", KernelFunc(rmsNorm))
	Register("Softmax", KernelFunc(softmax))
}

// reduction reduces over the axis attribute, or over every element when it
// is unset. keep_dims keeps the reduced axis with size 1.
func reduction(op string, fn func([]float32) float32) KernelFunc {
	return func(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
		if err := expectInputs(op, inputs, 1); err != nil {
			return nil, err
		}
		in := inputs[0]
		keep, err := attrs.Bool("keep_dims", false)
		if err != nil {
			return nil, err
		}
		if !attrs.Has("axis") {
			shape := tensor.Shape{}
			if keep {
				shape = make(tensor.Shape, len(in.Shape))
				for i := range shape {
					shape[i] = 1
				}
			}
			return one(&Array{Shape: shape, DType: in.DType, Data: []float32{fn(in.Data)}}), nil
		}

		axis, err := attrs.Int("axis", 0)
		if err != nil {
			return nil, err
		}
		if axis < 0 {
			axis += len(in.Shape)
		}
		if axis < 0 || axis >= len(in.Shape) {
			return nil, fmt.Errorf("%s: axis %d out of range for shape %s", op, axis, in.Shape)
		}
		outer := tensor.Shape(in.Shape[:axis]).Size()
		inner := tensor.Shape(in.Shape[axis+1:]).Size()
		n := in.Shape[axis]

		var shape tensor.Shape
		for d, size := range in.Shape {
			switch {
			case d != axis:
				shape = append(shape, size)
			case keep:
				shape = append(shape, 1)
			}
		}
		if shape == nil {
			shape = tensor.Shape{}
		}
		out := NewArray(shape, in.DType)
		acc := make([]float32, n)
		for o := 0; o < outer; o++ {
			for i := 0; i < inner; i++ {
				for k := 0; k < n; k++ {
					acc[k] = in.Data[(o*n+k)*inner+i]
				}
				out.Data[o*inner+i] = fn(acc)
			}
		}
		return one(out), nil
	}
}

func matMul(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("MatMul", inputs, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul: expected rank-2 inputs, got %s and %s", a.Shape, b.Shape)
	}
	transposeA, err := attrs.Bool("transpose_a", false)
	if err != nil {
		return nil, err
	}
	transposeB, err := attrs.Bool("transpose_b", false)
	if err != nil {
		return nil, err
	}
	at := func(m *Array, r, c int, transposed bool) float32 {
		if transposed {
			return m.Data[c*m.Shape[1]+r]
		}
		return m.Data[r*m.Shape[1]+c]
	}
	rows, inner := a.Shape[0], a.Shape[1]
	if transposeA {
		rows, inner = inner, rows
	}
	innerB, cols := b.Shape[0], b.Shape[1]
	if transposeB {
		innerB, cols = cols, innerB
	}
	if inner != innerB {
		return nil, fmt.Errorf("MatMul: inner dimensions differ (%d vs %d)", inner, innerB)
	}
	out := NewArray(tensor.Shape{rows, cols}, a.DType)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var s float32
			for k := 0; k < inner; k++ {
				s += at(a, r, k, transposeA) * at(b, k, c, transposeB)
			}
			out.Data[r*cols+c] = s
		}
	}
	return one(out), nil
}

// rmsNorm normalizes the whole input by its root mean square.
func rmsNorm(_ context.Context, inputs []*Array, attrs tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("RmsNorm", inputs, 1); err != nil {
		return nil, err
	}
	epsilon, err := attrs.Float("epsilon", 1e-5)
	if err != nil {
		return nil, err
	}
	in := inputs[0]
	var sumSquares float32
	for _, v := range in.Data {
		sumSquares += v * v
	}
	mean := sumSquares / float32(len(in.Data))
	rms := float32(1.0 / math.Sqrt(float64(mean)+epsilon))
	out := NewArray(in.Shape, in.DType)
	for i, v := range in.Data {
		out.Data[i] = v * rms
	}
	return one(out), nil
}

// softmax normalizes along the last dimension.
func softmax(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Softmax", inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	out := NewArray(in.Shape, in.DType)
	if len(in.Data) == 0 {
		return one(out), nil
	}
	width := 1
	if len(in.Shape) > 0 {
		width = in.Shape[len(in.Shape)-1]
	}
	for start := 0; start < len(in.Data); start += width {
		row := in.Data[start : start+width]
		peak := float32(math.Inf(-1))
		for _, v := range row {
			peak = max(peak, v)
		}
		var total float64
		for i, v := range row {
			e := math.Exp(float64(v - peak))
			out.Data[start+i] = float32(e)
			total += e
		}
		for i := range row {
			out.Data[start+i] = float32(float64(out.Data[start+i]) / total)
		}
	}
	return one(out), nil
}
