// Package frozen is the public face of a frozen model: it resolves an
// artifact handler for a URL, loads and validates the execution graph,
// materializes its weights in a tensor runtime, and exposes Predict, Execute
// and ExecuteAsync on top of the executor.
package frozen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/executor"
	"github.com/specialistvlad/frozengraph/internal/gcsloader"
	"github.com/specialistvlad/frozengraph/internal/graph"
	"github.com/specialistvlad/frozengraph/internal/graphdef"
	"github.com/specialistvlad/frozengraph/internal/hclgraph"
	"github.com/specialistvlad/frozengraph/internal/httploader"
	"github.com/specialistvlad/frozengraph/internal/loader"
	"github.com/specialistvlad/frozengraph/internal/operations"
	"github.com/specialistvlad/frozengraph/internal/runtime/cpu"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

var (
	// ErrDisposed is returned by calls made after Dispose.
	ErrDisposed = errors.New("model has been disposed")
	// ErrNotLoaded is returned by calls made before a successful Load.
	ErrNotLoaded = errors.New("model is not loaded")
)

// Model is safe for concurrent use once loaded.
type Model struct {
	url      string
	handler  loader.Handler
	router   *loader.Router
	rt       tensor.Runtime
	execOpts []executor.Option

	mu       sync.RWMutex
	graph    *graph.Graph
	exec     *executor.Executor
	source   string
	disposed bool
}

// Option configures a Model.
type Option func(*Model)

// WithHandler bypasses URL routing and loads through h.
func WithHandler(h loader.Handler) Option { return func(m *Model) { m.handler = h } }

// WithRouter replaces DefaultRouter.
func WithRouter(r *loader.Router) Option { return func(m *Model) { m.router = r } }

// WithRuntime selects the tensor runtime. The default is a fresh cpu runtime.
func WithRuntime(rt tensor.Runtime) Option { return func(m *Model) { m.rt = rt } }

// WithMaxLoopIterations caps While loops; zero leaves them unbounded.
func WithMaxLoopIterations(n int) Option {
	return func(m *Model) { m.execOpts = append(m.execOpts, executor.WithMaxLoopIterations(n)) }
}

// WithPlanCacheSize bounds the number of cached execution plans.
func WithPlanCacheSize(n int) Option {
	return func(m *Model) { m.execOpts = append(m.execOpts, executor.WithPlanCacheSize(n)) }
}

// WithNodeHook observes every node just before it is evaluated.
func WithNodeHook(fn func(body string, n *graph.Node)) Option {
	return func(m *Model) { m.execOpts = append(m.execOpts, executor.WithNodeHook(fn)) }
}

// DefaultRouter returns a router for file:// paths, bare .hcl paths, gs://
// URLs and http(s):// URLs.
func DefaultRouter() *loader.Router {
	r := loader.NewRouter()
	r.Register("file", hclgraph.Route)
	r.Register("gcs", gcsloader.Route())
	r.Register("http", httploader.Route(nil))
	return r
}

// New creates an unloaded model for url.
func New(url string, opts ...Option) *Model {
	m := &Model{url: url}
	for _, opt := range opts {
		opt(m)
	}
	if m.rt == nil {
		m.rt = cpu.New()
	}
	if m.router == nil {
		m.router = DefaultRouter()
	}
	return m
}

// Load is New followed by Model.Load.
func Load(ctx context.Context, url string, opts ...Option) (*Model, error) {
	m := New(url, opts...)
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Load fetches the artifacts, builds the execution graph and uploads the
// weights. Weights created by a failed load are released.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	if m.graph != nil {
		return fmt.Errorf("model %q is already loaded", m.url)
	}

	logger := ctxlog.FromContext(ctx).With("url", m.url)
	logger.Info("Loading model.")
	startedAt := time.Now()

	h := m.handler
	if h == nil {
		var err error
		if h, err = m.router.Resolve(m.url); err != nil {
			return err
		}
	}
	artifacts, err := h.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading artifacts for %q: %w", m.url, err)
	}
	if artifacts == nil || artifacts.Graph == nil {
		return fmt.Errorf("loader returned no graph for %q", m.url)
	}

	res, err := operations.Transform(ctx, artifacts.Graph)
	if err != nil {
		return fmt.Errorf("transforming graph: %w", err)
	}

	weights, err := m.uploadWeights(ctx, artifacts.Graph.Weights)
	if err != nil {
		return err
	}
	b := graph.NewBuilder(res.Name).Version(res.Version).Node(res.Nodes...).Output(res.Outputs...)
	for _, p := range res.Inputs {
		b.Input(p)
	}
	for _, f := range res.Functions {
		b.Function(f)
	}
	for _, w := range weights {
		b.Weight(w.name, w.tensors...)
	}
	g, err := b.Build(ctx)
	if err != nil {
		for _, w := range weights {
			tensor.DisposeAll(m.rt, w.tensors...)
		}
		return err
	}

	m.graph = g
	m.exec = executor.New(g, m.rt, m.execOpts...)
	m.source = artifacts.Source
	caps := g.Capabilities()
	logger.Info("Model loaded.",
		"source", artifacts.Source,
		"nodes", len(g.Nodes()),
		"weights", len(weights),
		"functions", g.Functions(),
		"has_control_flow", caps.HasControlFlow,
		"has_dynamic_shape", caps.HasDynamicShape,
		"duration", time.Since(startedAt),
	)
	return nil
}

type namedWeight struct {
	name    string
	tensors []tensor.Tensor
}

func (m *Model) uploadWeights(ctx context.Context, defs []graphdef.WeightDef) ([]namedWeight, error) {
	out := make([]namedWeight, 0, len(defs))
	release := func() {
		for _, w := range out {
			tensor.DisposeAll(m.rt, w.tensors...)
		}
	}
	for _, def := range defs {
		w := namedWeight{name: def.Name}
		for i, vd := range def.Tensors {
			t, err := m.uploadValue(ctx, vd)
			if err != nil {
				tensor.DisposeAll(m.rt, w.tensors...)
				release()
				return nil, fmt.Errorf("weight %q tensor %d: %w", def.Name, i, err)
			}
			w.tensors = append(w.tensors, t)
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *Model) uploadValue(ctx context.Context, vd graphdef.ValueDef) (tensor.Tensor, error) {
	if err := vd.Check(); err != nil {
		return nil, err
	}
	dtype, err := tensor.ParseDType(vd.DType)
	if err != nil {
		return nil, err
	}
	return m.rt.FromValues(ctx, vd.Values, tensor.Shape(vd.Shape), dtype)
}

// loaded returns the executor under a read lock; release must be called
// when the call is done.
func (m *Model) loaded() (exec *executor.Executor, release func(), err error) {
	m.mu.RLock()
	switch {
	case m.disposed:
		m.mu.RUnlock()
		return nil, nil, ErrDisposed
	case m.exec == nil:
		m.mu.RUnlock()
		return nil, nil, ErrNotLoaded
	}
	return m.exec, m.mu.RUnlock, nil
}

// PredictConfig tunes Predict.
type PredictConfig struct {
	// Outputs selects a subset of the declared outputs. Empty means all.
	Outputs []string
}

// Predict runs the graph on the synchronous path with exactly the declared
// inputs. Graphs with control flow or dynamic shapes are rejected with an
// *executor.WrongExecutionPathError.
func (m *Model) Predict(ctx context.Context, inputs any, cfg PredictConfig) (*Result, error) {
	exec, release, err := m.loaded()
	if err != nil {
		return nil, err
	}
	defer release()
	feeds, err := normalize(exec.Graph(), inputs)
	if err != nil {
		return nil, err
	}
	return m.collect(exec, feeds, cfg.Outputs, func(req executor.Request) (tensor.NamedMap, error) {
		req.Strict = true
		return exec.Execute(ctx, req)
	})
}

// Execute runs the graph on the synchronous path. Inputs may feed any node
// output and outputs may name intermediate tensors.
func (m *Model) Execute(ctx context.Context, inputs any, outputs ...string) (*Result, error) {
	exec, release, err := m.loaded()
	if err != nil {
		return nil, err
	}
	defer release()
	feeds, err := normalize(exec.Graph(), inputs)
	if err != nil {
		return nil, err
	}
	return m.collect(exec, feeds, outputs, func(req executor.Request) (tensor.NamedMap, error) {
		return exec.Execute(ctx, req)
	})
}

// AsyncResult is delivered by ExecuteAsync.
type AsyncResult struct {
	Result *Result
	Err    error
}

// ExecuteAsync runs the graph on the asynchronous path, which is the only
// one able to evaluate control flow and dynamic shapes. Graphs without either
// are rejected so callers use the faster Execute instead. The channel
// receives exactly one value.
func (m *Model) ExecuteAsync(ctx context.Context, inputs any, outputs ...string) <-chan AsyncResult {
	done := make(chan AsyncResult, 1)
	go func() {
		res, err := m.executeAsync(ctx, inputs, outputs)
		done <- AsyncResult{Result: res, Err: err}
	}()
	return done
}

func (m *Model) executeAsync(ctx context.Context, inputs any, outputs []string) (*Result, error) {
	exec, release, err := m.loaded()
	if err != nil {
		return nil, err
	}
	defer release()
	if !exec.Graph().Capabilities().RequiresAsync() {
		return nil, &executor.WrongExecutionPathError{
			Called: "ExecuteAsync",
			Use:    "Execute",
			Reason: "the graph has no control flow or dynamic-shape ops",
		}
	}
	feeds, err := normalize(exec.Graph(), inputs)
	if err != nil {
		return nil, err
	}
	return m.collect(exec, feeds, outputs, func(req executor.Request) (tensor.NamedMap, error) {
		return exec.ExecuteAsync(ctx, req)
	})
}

func (m *Model) collect(exec *executor.Executor, feeds tensor.NamedMap, outputs []string, run func(executor.Request) (tensor.NamedMap, error)) (*Result, error) {
	out, err := run(executor.Request{Inputs: feeds, Outputs: outputs})
	if err != nil {
		return nil, err
	}
	g := exec.Graph()
	names := outputs
	if len(names) == 0 {
		for _, ref := range g.Outputs() {
			names = append(names, ref.String())
		}
	}
	protected := make(map[uint64]struct{}, len(feeds))
	for _, t := range feeds {
		protected[t.ID()] = struct{}{}
	}
	r := &Result{rt: m.rt, names: names, tensors: make([]tensor.Tensor, len(names))}
	r.owned = func(t tensor.Tensor) bool {
		_, fed := protected[t.ID()]
		return !fed && !g.IsWeightTensor(t)
	}
	for i, name := range names {
		r.tensors[i] = out[name]
	}
	return r, nil
}

// Dispose releases every weight. Later calls fail with ErrDisposed.
func (m *Model) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	if m.graph == nil {
		return
	}
	for _, ts := range m.graph.Weights() {
		tensor.DisposeAll(m.rt, ts...)
	}
	m.exec = nil
}

func (m *Model) URL() string { return m.url }

// Source is where the artifacts were actually read from.
func (m *Model) Source() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

func (m *Model) Runtime() tensor.Runtime { return m.rt }

// Inputs describes the declared placeholders in positional order.
func (m *Model) Inputs() []graph.Placeholder {
	g := m.loadedGraph()
	if g == nil {
		return nil
	}
	return append([]graph.Placeholder(nil), g.Inputs()...)
}

// Outputs names the declared outputs.
func (m *Model) Outputs() []string {
	g := m.loadedGraph()
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.Outputs()))
	for _, ref := range g.Outputs() {
		names = append(names, ref.String())
	}
	return names
}

// Weights returns the weight map. Callers must not dispose its tensors.
func (m *Model) Weights() map[string][]tensor.Tensor {
	g := m.loadedGraph()
	if g == nil {
		return nil
	}
	return g.Weights()
}

func (m *Model) Version() string {
	g := m.loadedGraph()
	if g == nil {
		return ""
	}
	return g.Version()
}

func (m *Model) Capabilities() graph.Capabilities {
	g := m.loadedGraph()
	if g == nil {
		return graph.Capabilities{}
	}
	return g.Capabilities()
}

func (m *Model) loadedGraph() *graph.Graph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return nil
	}
	return m.graph
}
