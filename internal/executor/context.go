package executor

import (
	"context"
	"fmt"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/plan"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// scope is the execution context of one body evaluation: the top-level call
// or one function invocation made by a control-flow node. It is never
// shared between goroutines.
type scope struct {
	e    *Executor
	body *graph.Body
	call *callState
	plan *plan.Plan

	// values holds every tensor produced or fed so far, per node.
	values map[string][]tensor.Tensor
	// pending counts the reads still to come for each tensor.
	pending map[uint64]int
	// live holds the tensors this scope is responsible for releasing.
	live map[uint64]tensor.Tensor
	// protected tensors belong to the caller and are never released here.
	protected map[uint64]bool
	// wanted lists the requested outputs; their tensors go into kept.
	wanted map[graph.Ref]bool
	kept   map[uint64]bool
}

func newScope(e *Executor, body *graph.Body, call *callState, p *plan.Plan, outputs []graph.Ref) *scope {
	s := &scope{
		e:         e,
		body:      body,
		call:      call,
		plan:      p,
		values:    make(map[string][]tensor.Tensor),
		pending:   make(map[uint64]int),
		live:      make(map[uint64]tensor.Tensor),
		protected: make(map[uint64]bool),
		wanted:    make(map[graph.Ref]bool, len(outputs)),
		kept:      make(map[uint64]bool),
	}
	for _, ref := range outputs {
		s.wanted[ref] = true
	}
	return s
}

// feed binds a caller-owned tensor to ref.
func (s *scope) feed(ref graph.Ref, t tensor.Tensor) {
	s.set(ref, t)
	s.protected[t.ID()] = true
	s.pending[t.ID()] += s.plan.Consumers[ref]
}

func (s *scope) set(ref graph.Ref, t tensor.Tensor) {
	slots := s.values[ref.Node]
	for len(slots) <= ref.Index {
		slots = append(slots, nil)
	}
	slots[ref.Index] = t
	s.values[ref.Node] = slots
}

// lookup resolves ref against computed and fed tensors, then weights.
func (s *scope) lookup(ref graph.Ref) (tensor.Tensor, error) {
	if slots, ok := s.values[ref.Node]; ok && ref.Index < len(slots) && slots[ref.Index] != nil {
		return slots[ref.Index], nil
	}
	if ws, ok := s.e.graph.Weight(ref.Node); ok && ref.Index < len(ws) {
		return ws[ref.Index], nil
	}
	return nil, fmt.Errorf("%s: tensor %s is not available", s.body.Name(), ref)
}

// run evaluates the plan in order. On failure every tensor the scope owns
// is released before the error is returned.
func (s *scope) run(ctx context.Context) error {
	for _, n := range s.plan.Order {
		if s.e.onNode != nil {
			s.e.onNode(s.body.Name(), n)
		}

		refs := n.DataInputs()
		inputs := make([]tensor.Tensor, len(refs))
		for i, ref := range refs {
			t, err := s.lookup(ref)
			if err != nil {
				s.abort(ctx)
				return err
			}
			inputs[i] = t
		}

		outs, err := s.evaluate(ctx, n, inputs)
		if err != nil {
			s.abort(ctx)
			return err
		}
		if len(outs) != n.Outputs() {
			for _, t := range outs {
				s.adopt(t)
			}
			s.abort(ctx)
			return &KernelExecutionError{Node: n.Name, Op: n.Op, Err: fmt.Errorf("expected %d outputs, runtime returned %d", n.Outputs(), len(outs))}
		}

		s.store(ctx, n, outs)
		for _, t := range inputs {
			s.pending[t.ID()]--
			s.release(ctx, t)
		}
	}
	return nil
}

// evaluate dispatches n to its kernel or, for control flow, to the matching
// state machine.
func (s *scope) evaluate(ctx context.Context, n *graph.Node, inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	ctxlog.FromContext(ctx).Debug("Evaluating node.", "body", s.body.Name(), "node", n.Name, "op", n.Op)
	if graph.IsControlFlow(n.Op) {
		if !s.call.async {
			return nil, &WrongExecutionPathError{
				Called: "Execute",
				Use:    "ExecuteAsync",
				Reason: fmt.Sprintf("node %q has control-flow op %s", n.Name, n.Op),
			}
		}
		switch n.Op {
		case graph.OpIf:
			return s.evalIf(ctx, n, inputs)
		case graph.OpWhile:
			return s.evalWhile(ctx, n, inputs)
		}
	}
	outs, err := s.e.rt.Apply(ctx, n.Op, inputs, n.Attrs)
	if err != nil {
		return nil, &KernelExecutionError{Node: n.Name, Op: n.Op, Err: err}
	}
	return outs, nil
}

// store records the outputs of n and releases any that nothing reads.
func (s *scope) store(ctx context.Context, n *graph.Node, outs []tensor.Tensor) {
	for i, t := range outs {
		ref := graph.Ref{Node: n.Name, Index: i}
		s.set(ref, t)
		s.adopt(t)
		s.pending[t.ID()] += s.plan.Consumers[ref]
		if s.wanted[ref] {
			s.kept[t.ID()] = true
		}
	}
	for _, t := range outs {
		s.release(ctx, t)
	}
}

// adopt makes the scope responsible for t unless it belongs to someone else.
func (s *scope) adopt(t tensor.Tensor) {
	if t == nil || s.protected[t.ID()] || s.e.graph.IsWeightTensor(t) {
		return
	}
	s.live[t.ID()] = t
}

// release disposes t once no reader is left and it is not an output.
func (s *scope) release(ctx context.Context, t tensor.Tensor) {
	id := t.ID()
	if s.pending[id] > 0 || s.kept[id] {
		return
	}
	if _, owned := s.live[id]; !owned {
		return
	}
	delete(s.live, id)
	delete(s.pending, id)
	s.e.rt.Dispose(t)
	ctxlog.FromContext(ctx).Debug("Released intermediate tensor.", "body", s.body.Name(), "tensor", id)
}

// abort releases everything the scope owns, outputs included.
func (s *scope) abort(ctx context.Context) {
	n := len(s.live)
	for id, t := range s.live {
		s.e.rt.Dispose(t)
		delete(s.live, id)
	}
	ctxlog.FromContext(ctx).Debug("Released in-flight tensors after failure.", "body", s.body.Name(), "count", n)
}

// finish releases whatever the scope still owns apart from its outputs.
func (s *scope) finish(ctx context.Context) {
	for id, t := range s.live {
		if s.kept[id] {
			continue
		}
		s.e.rt.Dispose(t)
		delete(s.live, id)
		ctxlog.FromContext(ctx).Debug("Released leftover tensor.", "body", s.body.Name(), "tensor", id)
	}
}
