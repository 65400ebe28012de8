// Package wire is the message format spoken between the remote tensor
// runtime and the tensor server over socket.io. Every message is a plain
// map so that it survives the JSON encoding socket.io applies; numbers
// arrive as float64 on the other side.
package wire

import (
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Event names.
const (
	EventRequest = "tensor_request"
	EventReply   = "tensor_reply"
)

// Request kinds.
const (
	KindApply   = "apply"
	KindRead    = "read"
	KindUpload  = "upload"
	KindDispose = "dispose"
)

// Descriptor identifies a tensor held by the server.
type Descriptor struct {
	ID    uint64
	Shape tensor.Shape
	DType tensor.DType
}

// Request is one client call. Which fields are set depends on Kind.
type Request struct {
	Seq    uint64
	Kind   string
	Op     string
	Inputs []uint64
	Attrs  tensor.Attrs
	Tensor uint64
	Values []float32
	Shape  tensor.Shape
	DType  tensor.DType
}

// Reply answers the request with the same Seq. Error is set on failure.
type Reply struct {
	Seq     uint64
	Outputs []Descriptor
	Values  []float32
	Error   string
}

// Encode converts r into a payload.
func (r *Request) Encode() (map[string]any, error) {
	m := map[string]any{"seq": float64(r.Seq), "kind": r.Kind}
	switch r.Kind {
	case KindApply:
		attrs, err := AttrsToWire(r.Attrs)
		if err != nil {
			return nil, err
		}
		m["op"] = r.Op
		m["inputs"] = idsToWire(r.Inputs)
		m["attrs"] = attrs
	case KindRead, KindDispose:
		m["tensor"] = float64(r.Tensor)
	case KindUpload:
		m["values"] = floatsToWire(r.Values)
		m["shape"] = intsToWire(r.Shape)
		m["dtype"] = string(r.DType)
	default:
		return nil, fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return m, nil
}

// DecodeRequest parses a payload produced by Request.Encode.
func DecodeRequest(payload any) (*Request, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request payload must be an object, got %T", payload)
	}
	r := &Request{}
	var err error
	if r.Seq, err = uintField(m, "seq"); err != nil {
		return nil, err
	}
	if r.Kind, err = stringField(m, "kind"); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindApply:
		if r.Op, err = stringField(m, "op"); err != nil {
			return nil, err
		}
		if r.Inputs, err = idsField(m, "inputs"); err != nil {
			return nil, err
		}
		raw, _ := m["attrs"].(map[string]any)
		if r.Attrs, err = AttrsFromWire(raw); err != nil {
			return nil, err
		}
	case KindRead, KindDispose:
		if r.Tensor, err = uintField(m, "tensor"); err != nil {
			return nil, err
		}
	case KindUpload:
		if r.Values, err = floatsField(m, "values"); err != nil {
			return nil, err
		}
		dims, err := intsField(m, "shape")
		if err != nil {
			return nil, err
		}
		r.Shape = tensor.Shape(dims)
		dtype, err := stringField(m, "dtype")
		if err != nil {
			return nil, err
		}
		r.DType = tensor.DType(dtype)
	default:
		return nil, fmt.Errorf("unknown request kind %q", r.Kind)
	}
	return r, nil
}

// Encode converts r into a payload.
func (r *Reply) Encode() map[string]any {
	m := map[string]any{"seq": float64(r.Seq)}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Outputs != nil {
		outs := make([]any, len(r.Outputs))
		for i, d := range r.Outputs {
			outs[i] = map[string]any{"id": float64(d.ID), "shape": intsToWire(d.Shape), "dtype": string(d.DType)}
		}
		m["outputs"] = outs
	}
	if r.Values != nil {
		m["values"] = floatsToWire(r.Values)
	}
	return m
}

// DecodeReply parses a payload produced by Reply.Encode.
func DecodeReply(payload any) (*Reply, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("reply payload must be an object, got %T", payload)
	}
	r := &Reply{}
	var err error
	if r.Seq, err = uintField(m, "seq"); err != nil {
		return nil, err
	}
	r.Error, _ = m["error"].(string)
	if raw, ok := m["outputs"].([]any); ok {
		for i, item := range raw {
			d, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("output %d must be an object, got %T", i, item)
			}
			var desc Descriptor
			if desc.ID, err = uintField(d, "id"); err != nil {
				return nil, fmt.Errorf("output %d: %w", i, err)
			}
			dims, err := intsField(d, "shape")
			if err != nil {
				return nil, fmt.Errorf("output %d: %w", i, err)
			}
			desc.Shape = tensor.Shape(dims)
			dtype, err := stringField(d, "dtype")
			if err != nil {
				return nil, fmt.Errorf("output %d: %w", i, err)
			}
			desc.DType = tensor.DType(dtype)
			r.Outputs = append(r.Outputs, desc)
		}
	}
	if _, ok := m["values"]; ok {
		if r.Values, err = floatsField(m, "values"); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func idsToWire(ids []uint64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = float64(id)
	}
	return out
}

func intsToWire(dims []int) []any {
	out := make([]any, len(dims))
	for i, d := range dims {
		out[i] = float64(d)
	}
	return out
}

func floatsToWire(values []float32) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func stringField(m map[string]any, name string) (string, error) {
	s, ok := m[name].(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string, got %T", name, m[name])
	}
	return s, nil
}

func uintField(m map[string]any, name string) (uint64, error) {
	f, ok := toFloat(m[name])
	if !ok || f < 0 {
		return 0, fmt.Errorf("field %q must be a non-negative number, got %v", name, m[name])
	}
	return uint64(f), nil
}

func list(m map[string]any, name string) ([]any, error) {
	switch v := m[name].(type) {
	case []any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("field %q must be a list, got %T", name, v)
	}
}

func floatsField(m map[string]any, name string) ([]float32, error) {
	raw, err := list(m, name)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw))
	for i, item := range raw {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("field %q element %d must be a number, got %T", name, i, item)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func intsField(m map[string]any, name string) ([]int, error) {
	raw, err := list(m, name)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(raw))
	for i, item := range raw {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("field %q element %d must be a number, got %T", name, i, item)
		}
		out[i] = int(f)
	}
	return out, nil
}

func idsField(m map[string]any, name string) ([]uint64, error) {
	dims, err := intsField(m, name)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(dims))
	for i, d := range dims {
		out[i] = uint64(d)
	}
	return out, nil
}
