package executor

import (
	"context"
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

type frameState int

const (
	stateEvaluatingCondition frameState = iota
	stateEvaluatingBody
	stateEvaluatingBranch
	stateDone
)

func (s frameState) String() string {
	switch s {
	case stateEvaluatingCondition:
		return "evaluating_condition"
	case stateEvaluatingBody:
		return "evaluating_body"
	case stateEvaluatingBranch:
		return "evaluating_branch"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("frameState(%d)", int(s))
	}
}

// frame is the state machine of one active control-flow node.
type frame struct {
	node      string
	state     frameState
	iteration int
}

// callState is shared by every scope of one call. frames holds the active
// control-flow machines, innermost last.
type callState struct {
	async             bool
	maxLoopIterations int
	frames            []*frame
}

func (c *callState) push(n *graph.Node) *frame {
	f := &frame{node: n.Name, state: stateEvaluatingCondition}
	c.frames = append(c.frames, f)
	return f
}

func (c *callState) pop() {
	c.frames = c.frames[:len(c.frames)-1]
}

func (c *callState) transition(ctx context.Context, f *frame, next frameState) {
	ctxlog.FromContext(ctx).Debug("Control-flow transition.",
		"node", f.node,
		"from", f.state.String(),
		"to", next.String(),
		"iteration", f.iteration,
		"depth", len(c.frames),
	)
	f.state = next
}

// evalIf evaluates the predicate, then exactly one branch.
func (s *scope) evalIf(ctx context.Context, n *graph.Node, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	f := s.call.push(n)
	defer s.call.pop()

	var outs []tensor.Tensor
	for {
		switch f.state {
		case stateEvaluatingCondition:
			ok, err := s.truthy(ctx, n, inputs[0])
			if err != nil {
				return nil, err
			}
			attr := graph.AttrElseBranch
			if ok {
				attr = graph.AttrThenBranch
			}
			fn, err := s.function(n, attr)
			if err != nil {
				return nil, err
			}
			s.call.transition(ctx, f, stateEvaluatingBranch)
			outs, err = s.callFunction(ctx, fn, inputs[1:])
			if err != nil {
				return nil, err
			}
			s.call.transition(ctx, f, stateDone)
		case stateDone:
			return outs, nil
		default:
			return nil, fmt.Errorf("If node %q reached unexpected state %s", n.Name, f.state)
		}
	}
}

// evalWhile alternates between the condition and the body until the
// condition yields false. Tensors of finished iterations are released as
// soon as the next iteration's values exist.
func (s *scope) evalWhile(ctx context.Context, n *graph.Node, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	cond, err := s.function(n, graph.AttrCond)
	if err != nil {
		return nil, err
	}
	body, err := s.function(n, graph.AttrBody)
	if err != nil {
		return nil, err
	}

	f := s.call.push(n)
	defer s.call.pop()

	// The initial loop variables belong to the enclosing scope.
	origin := make(map[uint64]bool, len(inputs))
	for _, t := range inputs {
		origin[t.ID()] = true
	}
	discard := func(ts []tensor.Tensor, keep []tensor.Tensor) {
		keepIDs := make(map[uint64]bool, len(keep))
		for _, t := range keep {
			keepIDs[t.ID()] = true
		}
		for _, t := range ts {
			if origin[t.ID()] || keepIDs[t.ID()] || s.e.graph.IsWeightTensor(t) {
				continue
			}
			keepIDs[t.ID()] = true
			s.e.rt.Dispose(t)
		}
	}

	vars := inputs
	for {
		switch f.state {
		case stateEvaluatingCondition:
			out, err := s.callFunction(ctx, cond, vars)
			if err != nil {
				discard(vars, nil)
				return nil, err
			}
			ok, err := s.truthy(ctx, n, out[0])
			discard(out, vars)
			if err != nil {
				discard(vars, nil)
				return nil, err
			}
			if ok {
				// The limit only trips when another body run is due.
				if limit := s.call.maxLoopIterations; limit > 0 && f.iteration >= limit {
					discard(vars, nil)
					return nil, &LoopLimitError{Node: n.Name, Limit: limit}
				}
				s.call.transition(ctx, f, stateEvaluatingBody)
			} else {
				s.call.transition(ctx, f, stateDone)
			}
		case stateEvaluatingBody:
			next, err := s.callFunction(ctx, body, vars)
			if err != nil {
				discard(vars, nil)
				return nil, err
			}
			discard(vars, next)
			vars = next
			f.iteration++
			s.call.transition(ctx, f, stateEvaluatingCondition)
		case stateDone:
			ctxlog.FromContext(ctx).Debug("While loop finished.", "node", n.Name, "iterations", f.iteration)
			return vars, nil
		default:
			return nil, fmt.Errorf("While node %q reached unexpected state %s", n.Name, f.state)
		}
	}
}

// callFunction evaluates fn with args bound to its inputs and returns its
// outputs, which the caller then owns unless they are among args.
func (s *scope) callFunction(ctx context.Context, fn *graph.Function, args []tensor.Tensor) ([]tensor.Tensor, error) {
	inputs := fn.Inputs()
	fed := make([]string, len(inputs))
	for i, in := range inputs {
		fed[i] = in.Name
	}
	p, err := s.e.plans.Get(ctx, s.e.graph, &fn.Body, fed, fn.Outputs())
	if err != nil {
		return nil, err
	}

	child := newScope(s.e, &fn.Body, s.call, p, fn.Outputs())
	for i, in := range inputs {
		child.feed(graph.Ref{Node: in.Name}, args[i])
	}
	if err := child.run(ctx); err != nil {
		return nil, err
	}

	outs := make([]tensor.Tensor, len(fn.Outputs()))
	for i, ref := range fn.Outputs() {
		t, err := child.lookup(ref)
		if err != nil {
			child.abort(ctx)
			return nil, err
		}
		outs[i] = t
	}
	child.finish(ctx)
	return outs, nil
}

func (s *scope) function(n *graph.Node, attr string) (*graph.Function, error) {
	name, err := n.Attrs.String(attr, "")
	if err != nil {
		return nil, err
	}
	fn, ok := s.e.graph.Function(name)
	if !ok {
		return nil, fmt.Errorf("%s node %q references unknown function %q", n.Op, n.Name, name)
	}
	return fn, nil
}

// truthy reads a predicate tensor. A single element is true when non-zero;
// any other tensor is true when it is not empty.
func (s *scope) truthy(ctx context.Context, n *graph.Node, t tensor.Tensor) (bool, error) {
	values, err := s.e.rt.Read(ctx, t)
	if err != nil {
		return false, &KernelExecutionError{Node: n.Name, Op: n.Op, Err: fmt.Errorf("reading predicate: %w", err)}
	}
	if len(values) == 1 {
		return values[0] != 0, nil
	}
	return len(values) > 0, nil
}
