package plan

import (
	"context"
	"sync"
	"testing"

	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTensor uint64

func (s stubTensor) ID() uint64          { return uint64(s) }
func (s stubTensor) Shape() tensor.Shape { return tensor.Shape{} }
func (s stubTensor) DType() tensor.DType { return tensor.Float32 }

func node(name, op string, inputs ...string) *graph.Node {
	refs, err := graph.ParseRefs(inputs...)
	if err != nil {
		panic(err)
	}
	return &graph.Node{Name: name, Op: op, Inputs: refs}
}

// diamond: x -> a -> {b, c} -> d, plus an unrelated branch x -> e.
func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.NewBuilder("diamond").
		Input(graph.Placeholder{Name: "x"}).
		Input(graph.Placeholder{Name: "unused"}).
		Weight("w", stubTensor(1)).
		Node(
			node("d", "Add", "b", "c"),
			node("b", "Neg", "a"),
			node("c", "Mul", "a", "w"),
			node("a", "Relu", "x"),
			node("e", "Abs", "x"),
		).
		Output("d").
		Build(context.Background())
	require.NoError(t, err)
	return g
}

func refs(raw ...string) []graph.Ref {
	out, err := graph.ParseRefs(raw...)
	if err != nil {
		panic(err)
	}
	return out
}

func positions(p *Plan) map[string]int {
	pos := make(map[string]int)
	for i, n := range p.Order {
		pos[n.Name] = i
	}
	return pos
}

func TestBuild(t *testing.T) {
	g := diamond(t)

	t.Run("minimal subgraph in dependency order", func(t *testing.T) {
		p, err := Build(g, &g.Body, []string{"x"}, refs("d"))
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, p.Nodes(), "e is not needed for d")
		pos := positions(p)
		for _, n := range p.Order {
			for _, ref := range n.Inputs {
				if producer, ok := pos[ref.Node]; ok {
					assert.Less(t, producer, pos[n.Name], "%s must run before %s", ref.Node, n.Name)
				}
			}
		}
		assert.Empty(t, p.Missing)
	})

	t.Run("consumer counts", func(t *testing.T) {
		p, err := Build(g, &g.Body, []string{"x"}, refs("d"))
		require.NoError(t, err)
		assert.Equal(t, 2, p.Consumers[graph.Ref{Node: "a"}])
		assert.Equal(t, 1, p.Consumers[graph.Ref{Node: "x"}])
		assert.Equal(t, 1, p.Consumers[graph.Ref{Node: "w"}])
		assert.Zero(t, p.Consumers[graph.Ref{Node: "d"}], "requested outputs are not counted")
	})

	t.Run("fed intermediate cuts the subgraph", func(t *testing.T) {
		p, err := Build(g, &g.Body, []string{"b", "c"}, refs("d"))
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, p.Nodes())
		assert.Empty(t, p.Missing, "x is not needed once b and c are fed")
	})

	t.Run("fed output needs no evaluation", func(t *testing.T) {
		p, err := Build(g, &g.Body, []string{"d"}, refs("d"))
		require.NoError(t, err)
		assert.Empty(t, p.Order)
	})

	t.Run("missing placeholder is reported", func(t *testing.T) {
		p, err := Build(g, &g.Body, nil, refs("d", "e"))
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, p.Missing)
	})

	t.Run("unknown output", func(t *testing.T) {
		_, err := Build(g, &g.Body, nil, refs("nope"))
		assert.ErrorContains(t, err, `"nope" is not a node, input or weight`)
	})
}

func TestBuildPartiallyFedNode(t *testing.T) {
	g, err := graph.NewBuilder("split").
		Input(graph.Placeholder{Name: "x"}).
		Node(
			&graph.Node{Name: "s", Op: "Split", Inputs: graph.MustParseRefs("x"), NumOutputs: 2},
			node("sum", "Add", "s", "s:1"),
			node("tail", "Neg", "s:1"),
		).
		Output("sum").
		Build(context.Background())
	require.NoError(t, err)

	testCases := []struct {
		name        string
		fed         []string
		output      string
		wantNodes   []string
		wantMissing []string
	}{
		{name: "unfed sibling output is missing", fed: []string{"s:1"}, output: "sum", wantNodes: []string{"sum"}, wantMissing: []string{"s:0"}},
		{name: "fed output alone is enough", fed: []string{"s:1"}, output: "tail", wantNodes: []string{"tail"}},
		{name: "every output fed", fed: []string{"s", "s:1"}, output: "sum", wantNodes: []string{"sum"}},
		{name: "nothing fed runs the producer", fed: []string{"x"}, output: "sum", wantNodes: []string{"s", "sum"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Build(g, &g.Body, tc.fed, refs(tc.output))
			require.NoError(t, err)
			assert.Equal(t, tc.wantNodes, p.Nodes())
			assert.Equal(t, tc.wantMissing, p.Missing)
		})
	}
}

func TestBuildRejectsControlFeed(t *testing.T) {
	g := diamond(t)
	_, err := Build(g, &g.Body, []string{"^a"}, refs("d"))
	assert.ErrorContains(t, err, `cannot feed control reference "^a"`)
}

func TestBuildControlDependencies(t *testing.T) {
	g, err := graph.NewBuilder("ctrl").
		Input(graph.Placeholder{Name: "x"}).
		Node(
			node("late", "Neg", "x", "^early"),
			node("early", "Abs", "x"),
		).
		Output("late").
		Build(context.Background())
	require.NoError(t, err)

	p, err := Build(g, &g.Body, []string{"x"}, refs("late"))
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, p.Nodes())
	assert.Zero(t, p.Consumers[graph.Ref{Node: "early"}], "control edges carry no tensor")
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	g := diamond(t)
	var c Cache

	p1, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("d"))
	require.NoError(t, err)
	p2, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("d"))
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	p3, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("b"))
	require.NoError(t, err)
	assert.NotSame(t, p1, p3, "a different output set gets its own plan")
	assert.Equal(t, 2, c.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("e", "d"))
			if assert.NoError(t, err) {
				assert.Len(t, p.Order, 5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, c.Len())
}

func TestCacheEviction(t *testing.T) {
	ctx := context.Background()
	g := diamond(t)
	c := Cache{MaxEntries: 2}

	pd, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("d"))
	require.NoError(t, err)
	pb, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("b"))
	require.NoError(t, err)

	// Touch d so b becomes the least recently used plan.
	again, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("d"))
	require.NoError(t, err)
	assert.Same(t, pd, again)

	_, err = c.Get(ctx, g, &g.Body, []string{"x"}, refs("e"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	again, err = c.Get(ctx, g, &g.Body, []string{"x"}, refs("d"))
	require.NoError(t, err)
	assert.Same(t, pd, again, "recently used plan survives")

	rebuilt, err := c.Get(ctx, g, &g.Body, []string{"x"}, refs("b"))
	require.NoError(t, err)
	assert.NotSame(t, pb, rebuilt, "evicted plan is rebuilt")
	assert.Equal(t, pb.Nodes(), rebuilt.Nodes())
	assert.Equal(t, 2, c.Len())
}
