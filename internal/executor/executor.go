// Package executor runs an execution graph against a tensor runtime.
//
// Each call derives (or reuses) a plan for the requested outputs, then walks
// it once, invoking one kernel per node. Intermediate tensors are counted by
// their remaining readers and released the moment the last one has run, so
// after a call only the weights, the caller's inputs and the returned outputs
// remain allocated.
//
// Execute is the synchronous path and refuses graphs that contain control
// flow or dynamic-shape ops. ExecuteAsync runs any graph: If and While nodes
// evaluate their function subgraphs through small state machines kept on a
// per-call stack, and kernels are free to block.
package executor

import (
	"context"
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/plan"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// Executor is safe for concurrent use; calls share only the graph, its
// weights and the plan cache.
type Executor struct {
	graph *graph.Graph
	rt    tensor.Runtime
	plans plan.Cache

	maxLoopIterations int
	onNode            func(body string, n *graph.Node)
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxLoopIterations fails a While loop with a LoopLimitError when its
// condition still holds after n body runs. A loop that needs exactly n
// iterations completes. Zero, the default, means no limit.
func WithMaxLoopIterations(n int) Option {
	return func(e *Executor) { e.maxLoopIterations = n }
}

// WithPlanCacheSize bounds how many execution plans are kept. Each distinct
// combination of fed tensors and requested outputs needs its own plan.
// Zero keeps plan.DefaultCacheSize.
func WithPlanCacheSize(n int) Option {
	return func(e *Executor) { e.plans.MaxEntries = n }
}

// WithNodeHook calls fn just before each node is evaluated, with the name of
// the graph or function the node belongs to.
func WithNodeHook(fn func(body string, n *graph.Node)) Option {
	return func(e *Executor) { e.onNode = fn }
}

// New creates an executor for g backed by rt.
func New(g *graph.Graph, rt tensor.Runtime, opts ...Option) *Executor {
	e := &Executor{graph: g, rt: rt}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CachedPlans reports how many execution plans are cached.
func (e *Executor) CachedPlans() int { return e.plans.Len() }

// Graph returns the graph the executor runs.
func (e *Executor) Graph() *graph.Graph { return e.graph }

// Request describes one execution call.
type Request struct {
	// Inputs maps placeholder names, or names of intermediate node outputs,
	// to tensors. The caller keeps ownership of these tensors.
	Inputs tensor.NamedMap
	// Outputs names the tensors to return. Empty means the graph's declared
	// outputs.
	Outputs []string
	// Strict requires exactly one input per declared placeholder.
	Strict bool
}

// Execute runs the request on the synchronous path.
func (e *Executor) Execute(ctx context.Context, req Request) (tensor.NamedMap, error) {
	if caps := e.graph.Capabilities(); caps.RequiresAsync() {
		return nil, &WrongExecutionPathError{
			Called: "Execute",
			Use:    "ExecuteAsync",
			Reason: fmt.Sprintf("node %q has op %s, which needs control flow or dynamic shapes", caps.FirstDynamicNode, caps.FirstDynamicOp),
		}
	}
	return e.run(ctx, req, false)
}

// ExecuteAsync runs the request on the asynchronous path, which also
// evaluates control flow. It blocks until the outputs are ready.
func (e *Executor) ExecuteAsync(ctx context.Context, req Request) (tensor.NamedMap, error) {
	return e.run(ctx, req, true)
}

func (e *Executor) run(ctx context.Context, req Request, async bool) (tensor.NamedMap, error) {
	logger := ctxlog.FromContext(ctx).With("graph", e.graph.Name(), "async", async)

	feeds, err := e.checkInputs(req)
	if err != nil {
		return nil, err
	}
	outputs, names, err := e.checkOutputs(req.Outputs)
	if err != nil {
		return nil, err
	}

	fed := make([]string, 0, len(feeds))
	for ref := range feeds {
		fed = append(fed, ref.String())
	}
	p, err := e.plans.Get(ctx, e.graph, &e.graph.Body, fed, outputs)
	if err != nil {
		return nil, err
	}
	if len(p.Missing) > 0 {
		return nil, &MissingInputsError{Outputs: names, Missing: p.Missing}
	}
	logger.Debug("Executing graph.", "nodes", len(p.Order), "inputs", len(feeds), "outputs", len(outputs))

	call := &callState{async: async, maxLoopIterations: e.maxLoopIterations}
	s := newScope(e, &e.graph.Body, call, p, outputs)
	for ref, t := range feeds {
		s.feed(ref, t)
	}
	if err := s.run(ctx); err != nil {
		logger.Debug("Graph execution failed.", "error", err)
		return nil, err
	}

	result := make(tensor.NamedMap, len(outputs))
	for i, ref := range outputs {
		t, err := s.lookup(ref)
		if err != nil {
			s.abort(ctx)
			return nil, err
		}
		result[names[i]] = t
	}
	s.finish(ctx)
	logger.Debug("Graph execution finished.", "outputs", len(result))
	return result, nil
}

// checkInputs validates the fed tensors and keys them by reference.
func (e *Executor) checkInputs(req Request) (map[graph.Ref]tensor.Tensor, error) {
	declared := e.graph.Inputs()
	if req.Strict && len(req.Inputs) != len(declared) {
		return nil, &InputCountError{Expected: len(declared), Got: len(req.Inputs)}
	}

	feeds := make(map[graph.Ref]tensor.Tensor, len(req.Inputs))
	for name, t := range req.Inputs {
		ref, err := graph.ParseRef(name)
		if err != nil || ref.Control || !e.resolvable(ref) {
			return nil, &UnknownTensorError{Name: name, Role: "input"}
		}
		if t == nil {
			return nil, fmt.Errorf("input %q is nil", name)
		}
		p, isPlaceholder := e.graph.Input(ref.Node)
		if req.Strict && !isPlaceholder {
			return nil, &UnknownTensorError{Name: name, Role: "declared input"}
		}
		if isPlaceholder {
			if p.DType != "" && p.DType != t.DType() {
				return nil, &InputShapeMismatchError{Input: name, Declared: p.Shape, Got: t.Shape(), DeclaredDType: p.DType, GotDType: t.DType()}
			}
			if !t.Shape().Matches(p.Shape) {
				return nil, &InputShapeMismatchError{Input: name, Declared: p.Shape, Got: t.Shape(), DeclaredDType: p.DType, GotDType: t.DType()}
			}
		}
		feeds[ref] = t
	}
	return feeds, nil
}

// checkOutputs parses the requested output names, defaulting to the
// declared outputs.
func (e *Executor) checkOutputs(requested []string) ([]graph.Ref, []string, error) {
	if len(requested) == 0 {
		refs := e.graph.Outputs()
		names := make([]string, len(refs))
		for i, ref := range refs {
			names[i] = ref.String()
		}
		return refs, names, nil
	}
	refs := make([]graph.Ref, len(requested))
	for i, name := range requested {
		ref, err := graph.ParseRef(name)
		if err != nil || ref.Control || !e.resolvable(ref) {
			return nil, nil, &UnknownTensorError{Name: name, Role: "output"}
		}
		refs[i] = ref
	}
	return refs, requested, nil
}

// resolvable reports whether ref names an existing tensor of the main graph.
func (e *Executor) resolvable(ref graph.Ref) bool {
	if n, ok := e.graph.Node(ref.Node); ok {
		return ref.Index < n.Outputs()
	}
	if _, ok := e.graph.Input(ref.Node); ok {
		return ref.Index == 0
	}
	if ws, ok := e.graph.Weight(ref.Node); ok {
		return ref.Index < len(ws)
	}
	return false
}
