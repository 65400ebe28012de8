package kernels

import (
	"context"
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Kernels in this file produce outputs whose shape depends on input values.

func init() {
	Register("NonZero", KernelFunc(nonZero))
	Register("BooleanMask", KernelFunc(booleanMask))
	Register("Unique", KernelFunc(unique))
}

// nonZero returns the flat indices of the non-zero elements.
func nonZero(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("NonZero", inputs, 1); err != nil {
		return nil, err
	}
	var idx []float32
	for i, v := range inputs[0].Data {
		if v != 0 {
			idx = append(idx, float32(i))
		}
	}
	return one(&Array{Shape: tensor.Shape{len(idx)}, DType: tensor.Int32, Data: nonNil(idx)}), nil
}

// booleanMask keeps the rows of the first input whose mask entry is true.
func booleanMask(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("BooleanMask", inputs, 2); err != nil {
		return nil, err
	}
	in, mask := inputs[0], inputs[1]
	if len(in.Shape) == 0 || len(mask.Data) != in.Shape[0] {
		return nil, fmt.Errorf("BooleanMask: mask of %d entries does not match shape %s", len(mask.Data), in.Shape)
	}
	row := tensor.Shape(in.Shape[1:]).Size()
	var data []float32
	kept := 0
	for i, m := range mask.Data {
		if m != 0 {
			data = append(data, in.Data[i*row:(i+1)*row]...)
			kept++
		}
	}
	shape := in.Shape.Clone()
	shape[0] = kept
	return one(&Array{Shape: shape, DType: in.DType, Data: nonNil(data)}), nil
}

// unique returns the distinct values in first-seen order and, for every
// input element, the index of its value in that list.
func unique(_ context.Context, inputs []*Array, _ tensor.Attrs) ([]*Array, error) {
	if err := expectInputs("Unique", inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	if len(in.Shape) != 1 {
		return nil, fmt.Errorf("Unique: expected a rank-1 input, got %s", in.Shape)
	}
	seen := make(map[float32]int)
	var values []float32
	idx := NewArray(in.Shape, tensor.Int32)
	for i, v := range in.Data {
		pos, ok := seen[v]
		if !ok {
			pos = len(values)
			seen[v] = pos
			values = append(values, v)
		}
		idx.Data[i] = float32(pos)
	}
	return []*Array{{Shape: tensor.Shape{len(values)}, DType: in.DType, Data: nonNil(values)}, idx}, nil
}

func nonNil(data []float32) []float32 {
	if data == nil {
		return []float32{}
	}
	return data
}
