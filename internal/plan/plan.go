// Package plan derives the evaluation schedule for one execution request:
// which nodes must run to produce the requested outputs from the fed
// tensors, in what order, and how many times each tensor will be read.
package plan

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/graph"
)

// Plan is immutable once built and may be shared by concurrent calls.
type Plan struct {
	// Order lists the required nodes so that every node follows all of its
	// producers. Independent nodes keep their definition order.
	Order []*graph.Node
	// Consumers counts, per data reference, how many input slots of nodes in
	// Order read it. Requested outputs are not counted.
	Consumers map[graph.Ref]int
	// Missing names declared inputs that the outputs depend on but that were
	// not fed, and unfed outputs of nodes that were only partially fed.
	Missing []string
}

// Build computes the plan for producing outputs of body when the tensors
// named in fed are already available. Fed names are references, so feeding
// "s:1" satisfies that output of s and nothing else. Weights of g are always
// available.
func Build(g *graph.Graph, body *graph.Body, fed []string, outputs []graph.Ref) (*Plan, error) {
	fedRefs := make(map[graph.Ref]bool, len(fed))
	fedNodes := make(map[string]bool, len(fed))
	for _, name := range fed {
		ref, err := graph.ParseRef(name)
		if err != nil {
			return nil, err
		}
		if ref.Control {
			return nil, fmt.Errorf("%s: cannot feed control reference %q", body.Name(), name)
		}
		fedRefs[ref] = true
		fedNodes[ref.Node] = true
	}

	// Backward reachability from the outputs.
	required := make(map[string]bool)
	missing := make(map[string]bool)
	stack := append([]graph.Ref(nil), outputs...)
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		name := ref.Node
		if fedNodes[name] {
			if !ref.Control && !fedRefs[graph.Ref{Node: name, Index: ref.Index}] {
				missing[fmt.Sprintf("%s:%d", name, ref.Index)] = true
			}
			continue
		}
		if required[name] {
			continue
		}
		if n, ok := body.Node(name); ok {
			required[name] = true
			stack = append(stack, n.Inputs...)
			continue
		}
		if _, ok := body.Input(name); ok {
			missing[name] = true
			continue
		}
		if _, ok := g.Weight(name); ok {
			continue
		}
		return nil, fmt.Errorf("%s: %q is not a node, input or weight", body.Name(), name)
	}

	// Forward topological order over the required nodes (Kahn).
	indegree := make(map[string]int, len(required))
	var ready []*graph.Node
	for _, n := range body.Nodes() {
		if !required[n.Name] {
			continue
		}
		producers := make(map[string]bool)
		for _, ref := range n.Inputs {
			if required[ref.Node] {
				producers[ref.Node] = true
			}
		}
		indegree[n.Name] = len(producers)
		if len(producers) == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]*graph.Node, 0, len(required))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, dependent := range body.Consumers(n.Name) {
			if !required[dependent.Name] {
				continue
			}
			indegree[dependent.Name]--
			if indegree[dependent.Name] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != len(required) {
		return nil, fmt.Errorf("%s: cycle among %d required nodes", body.Name(), len(required)-len(order))
	}

	consumers := make(map[graph.Ref]int)
	for _, n := range order {
		for _, ref := range n.DataInputs() {
			consumers[ref]++
		}
	}

	p := &Plan{Order: order, Consumers: consumers}
	for name := range missing {
		p.Missing = append(p.Missing, name)
	}
	sort.Strings(p.Missing)
	return p, nil
}

// Nodes returns the names of the nodes in evaluation order.
func (p *Plan) Nodes() []string {
	names := make([]string, len(p.Order))
	for i, n := range p.Order {
		names[i] = n.Name
	}
	return names
}

type cacheKey struct {
	body    *graph.Body
	fed     string
	outputs string
}

// DefaultCacheSize bounds a Cache whose MaxEntries is zero.
const DefaultCacheSize = 256

// Cache memoizes plans per body, fed set and output set, evicting the least
// recently used plan once MaxEntries is reached. The zero value is ready to
// use. It is safe for concurrent use.
type Cache struct {
	// MaxEntries bounds the number of cached plans. Set it before first use.
	MaxEntries int

	mu    sync.Mutex
	plans map[cacheKey]*list.Element
	lru   *list.List
}

type cacheEntry struct {
	key  cacheKey
	plan *Plan
}

// Get returns the cached plan for the request, building it on first use.
func (c *Cache) Get(ctx context.Context, g *graph.Graph, body *graph.Body, fed []string, outputs []graph.Ref) (*Plan, error) {
	key := cacheKey{body: body, fed: canonical(fed), outputs: canonicalRefs(outputs)}
	if p, ok := c.lookup(key); ok {
		return p, nil
	}

	p, err := Build(g, body, fed, outputs)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Execution plan built.",
		"body", body.Name(),
		"fed", key.fed,
		"outputs", key.outputs,
		"nodes", len(p.Order),
	)
	return c.add(ctx, key, p), nil
}

func (c *Cache) lookup(key cacheKey) (*Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.plans[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).plan, true
}

// add stores p unless a concurrent caller stored a plan for key first, and
// returns whichever plan is cached.
func (c *Cache) add(ctx context.Context, key cacheKey, p *Plan) *Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plans == nil {
		c.plans = make(map[cacheKey]*list.Element)
		c.lru = list.New()
	}
	if el, ok := c.plans[key]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*cacheEntry).plan
	}
	c.plans[key] = c.lru.PushFront(&cacheEntry{key: key, plan: p})

	limit := c.MaxEntries
	if limit <= 0 {
		limit = DefaultCacheSize
	}
	for c.lru.Len() > limit {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		evicted := oldest.Value.(*cacheEntry).key
		delete(c.plans, evicted)
		ctxlog.FromContext(ctx).Debug("Execution plan evicted.", "body", evicted.body.Name(), "fed", evicted.fed, "outputs", evicted.outputs)
	}
	return p
}

// Len reports how many plans are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

func canonical(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func canonicalRefs(refs []graph.Ref) string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.String()
	}
	return canonical(names)
}
