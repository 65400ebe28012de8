package frozen

import (
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Result holds the tensors produced by one call, in the order they were
// requested. The caller owns them and releases them with Dispose.
type Result struct {
	rt      tensor.Runtime
	names   []string
	tensors []tensor.Tensor
	owned   func(tensor.Tensor) bool
}

// Tensor returns the first output.
func (r *Result) Tensor() tensor.Tensor {
	if len(r.tensors) == 0 {
		return nil
	}
	return r.tensors[0]
}

func (r *Result) Tensors() []tensor.Tensor { return append([]tensor.Tensor(nil), r.tensors...) }

func (r *Result) Names() []string { return append([]string(nil), r.names...) }

func (r *Result) Map() tensor.NamedMap {
	m := make(tensor.NamedMap, len(r.names))
	for i, name := range r.names {
		m[name] = r.tensors[i]
	}
	return m
}

// Dispose releases the outputs. Outputs that are the caller's own inputs or
// model weights passed through unchanged are left alone.
func (r *Result) Dispose() {
	seen := make(map[uint64]struct{}, len(r.tensors))
	for _, t := range r.tensors {
		if t == nil {
			continue
		}
		if _, dup := seen[t.ID()]; dup {
			continue
		}
		seen[t.ID()] = struct{}{}
		if r.owned == nil || r.owned(t) {
			r.rt.Dispose(t)
		}
	}
	r.tensors = nil
	r.names = nil
}
