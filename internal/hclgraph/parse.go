package hclgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/frozengraph/internal/ctxlog"
	"github.com/specialistvlad/frozengraph/internal/graphdef"
	"github.com/zclconf/go-cty/cty"
)

// Source is one HCL document.
type Source struct {
	Filename string
	Data     []byte
}

// Parse decodes sources into a single graph definition. Blocks from every
// source are merged in order; at most one graph block may appear overall.
func Parse(ctx context.Context, sources ...Source) (*graphdef.GraphDef, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL graph parser started.", "files", len(sources))

	parser := hclparse.NewParser()
	def := &graphdef.GraphDef{}
	var graphs []*graphBlock

	for _, src := range sources {
		file, diags := parser.ParseHCL(src.Data, src.Filename)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", src.Filename, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", src.Filename, diags)
		}

		graphs = append(graphs, root.Graphs...)
		for _, in := range root.Inputs {
			def.Inputs = append(def.Inputs, translateInput(in))
		}
		for _, w := range root.Weights {
			wd, err := translateWeight(w)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", src.Filename, err)
			}
			def.Weights = append(def.Weights, wd)
		}
		nodes, err := translateNodes(root.Nodes)
		if err != nil {
			return nil, err
		}
		def.Nodes = append(def.Nodes, nodes...)
		for _, f := range root.Functions {
			fd, err := translateFunction(f)
			if err != nil {
				return nil, err
			}
			def.Functions = append(def.Functions, fd)
		}
		def.Outputs = append(def.Outputs, root.Outputs...)
	}

	if len(graphs) > 1 {
		return nil, fmt.Errorf("duplicate \"graph\" block at %s: only one \"graph\" block is allowed", graphs[1].DefRange)
	}
	if len(graphs) == 1 {
		def.Name, def.Version, def.Producer = graphs[0].Name, graphs[0].Version, graphs[0].Producer
	}

	nodes, weights, functions := def.Stats()
	logger.Debug("HCL graph parsing complete.", "graph", def.Name, "nodes", nodes, "weights", weights, "functions", functions)
	return def, nil
}

// ParseFiles reads every path, descending into directories for .hcl files,
// and parses them together. Files inside a directory are read in lexical
// order.
func ParseFiles(ctx context.Context, paths ...string) (*graphdef.GraphDef, error) {
	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	sources := make([]Source, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		sources = append(sources, Source{Filename: f, Data: data})
	}
	return Parse(ctx, sources...)
}

func findHCLFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			all = append(all, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		var found []string
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return all, nil
}

func translateInput(in *inputBlock) graphdef.PlaceholderDef {
	return graphdef.PlaceholderDef{Name: in.Name, DType: in.DType, Shape: in.Shape}
}

func translateWeight(w *weightBlock) (graphdef.WeightDef, error) {
	wd := graphdef.WeightDef{Name: w.Name}
	if w.Values != nil {
		wd.Tensors = append(wd.Tensors, value(w.DType, w.Shape, w.Values))
	}
	for _, t := range w.Tensors {
		wd.Tensors = append(wd.Tensors, value(t.DType, t.Shape, t.Values))
	}
	if len(wd.Tensors) == 0 {
		return wd, fmt.Errorf("weight %q has no values", w.Name)
	}
	for i, v := range wd.Tensors {
		if err := v.Check(); err != nil {
			return wd, fmt.Errorf("weight %q tensor %d: %w", w.Name, i, err)
		}
	}
	return wd, nil
}

// value builds a tensor value; a missing shape means a rank-1 tensor of all
// the values.
func value(dtype string, shape []int, values []float32) graphdef.ValueDef {
	if shape == nil {
		shape = []int{len(values)}
	}
	if values == nil {
		values = []float32{}
	}
	return graphdef.ValueDef{DType: dtype, Shape: shape, Values: values}
}

func translateNodes(blocks []*nodeBlock) ([]graphdef.NodeDef, error) {
	out := make([]graphdef.NodeDef, 0, len(blocks))
	for _, b := range blocks {
		attrs, err := decodeAttrs(b)
		if err != nil {
			return nil, err
		}
		out = append(out, graphdef.NodeDef{
			Name:          b.Name,
			Op:            b.Op,
			Inputs:        b.Inputs,
			ControlInputs: b.ControlInputs,
			NumOutputs:    b.NumOutputs,
			Attrs:         attrs,
		})
	}
	return out, nil
}

// decodeAttrs evaluates the attrs expression of a node into one cty value
// per key. Attributes are literal: no variables or functions are available.
func decodeAttrs(b *nodeBlock) (map[string]cty.Value, error) {
	if b.Attrs == nil {
		return nil, nil
	}
	val, diags := b.Attrs.Value(&hcl.EvalContext{})
	if diags.HasErrors() {
		return nil, fmt.Errorf("node %q at %s: invalid attrs: %w", b.Name, b.DefRange, diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("node %q at %s: attrs must be an object, got %s", b.Name, b.DefRange, ty.FriendlyName())
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("node %q at %s: attrs must be known values", b.Name, b.DefRange)
	}
	out := make(map[string]cty.Value)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		out[k.AsString()] = v
	}
	return out, nil
}

func translateFunction(f *functionBlock) (graphdef.FunctionDef, error) {
	fd := graphdef.FunctionDef{Name: f.Name, Outputs: f.Outputs}
	for _, in := range f.Inputs {
		fd.Inputs = append(fd.Inputs, translateInput(in))
	}
	nodes, err := translateNodes(f.Nodes)
	if err != nil {
		return fd, fmt.Errorf("function %q: %w", f.Name, err)
	}
	fd.Nodes = nodes
	return fd, nil
}
