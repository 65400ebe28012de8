package frozen

import (
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/executor"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// normalize turns the accepted input forms into a named map. A single tensor
// or a slice is matched positionally against the declared placeholders.
func normalize(g *graph.Graph, inputs any) (tensor.NamedMap, error) {
	switch v := inputs.(type) {
	case nil:
		return tensor.NamedMap{}, nil
	case tensor.NamedMap:
		return v, nil
	case map[string]tensor.Tensor:
		return tensor.NamedMap(v), nil
	case []tensor.Tensor:
		return positional(g, v)
	case tensor.Tensor:
		return positional(g, []tensor.Tensor{v})
	default:
		return nil, fmt.Errorf("unsupported input type %T", inputs)
	}
}

func positional(g *graph.Graph, ts []tensor.Tensor) (tensor.NamedMap, error) {
	declared := g.Inputs()
	if len(ts) != len(declared) {
		return nil, &executor.InputCountError{Expected: len(declared), Got: len(ts)}
	}
	m := make(tensor.NamedMap, len(ts))
	for i, p := range declared {
		m[p.Name] = ts[i]
	}
	return m, nil
}
