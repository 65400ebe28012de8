package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/frozengraph/internal/frozen"
	"github.com/specialistvlad/frozengraph/internal/runtime/cpu"
	"github.com/specialistvlad/frozengraph/internal/runtime/remote"
	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// runModel loads the model, evaluates it once and prints every output.
func (app *App) runModel(ctx context.Context) error {
	rt, closeRuntime, err := app.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer closeRuntime()

	opts := []frozen.Option{frozen.WithRuntime(rt)}
	if app.config.MaxLoopIterations > 0 {
		opts = append(opts, frozen.WithMaxLoopIterations(app.config.MaxLoopIterations))
	}
	model, err := frozen.Load(ctx, app.config.ModelURL, append(opts, app.modelOpts...)...)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer model.Dispose()

	inputs, err := app.inputTensors(ctx, model)
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range inputs {
			model.Runtime().Dispose(t)
		}
	}()

	mode := app.config.Mode
	if mode == ModeAuto {
		mode = autoMode(model, app.config.Outputs)
	}
	app.logger.Info("Evaluating model.", "mode", mode, "inputs", len(inputs))

	var res *frozen.Result
	switch mode {
	case ModePredict:
		res, err = model.Predict(ctx, inputs, frozen.PredictConfig{Outputs: app.config.Outputs})
	case ModeExecute:
		res, err = model.Execute(ctx, inputs, app.config.Outputs...)
	case ModeAsync:
		got := <-model.ExecuteAsync(ctx, inputs, app.config.Outputs...)
		res, err = got.Result, got.Err
	}
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	defer res.Dispose()
	return app.printResult(ctx, model.Runtime(), res)
}

// autoMode picks the fastest path the graph allows.
func autoMode(model *frozen.Model, outputs []string) string {
	if model.Capabilities().RequiresAsync() {
		return ModeAsync
	}
	if len(outputs) > 0 {
		return ModeExecute
	}
	return ModePredict
}

func (app *App) openRuntime(ctx context.Context) (tensor.Runtime, func(), error) {
	if app.config.Runtime == RuntimeCPU {
		return cpu.New(), func() {}, nil
	}
	rt, err := remote.Dial(ctx, app.config.Runtime)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to tensor server: %w", err)
	}
	return rt, func() { _ = rt.Close() }, nil
}

// inputTensors uploads the -input values, shaped by the declared
// placeholders. Names that are not placeholders get a flat shape.
func (app *App) inputTensors(ctx context.Context, model *frozen.Model) (tensor.NamedMap, error) {
	declared := make(map[string]tensor.Shape)
	dtypes := make(map[string]tensor.DType)
	for _, p := range model.Inputs() {
		declared[p.Name], dtypes[p.Name] = p.Shape, p.DType
	}

	rt := model.Runtime()
	out := make(tensor.NamedMap, len(app.config.Inputs))
	for _, in := range app.config.Inputs {
		shape := tensor.Shape{len(in.Values)}
		if s, ok := declared[in.Name]; ok && s != nil {
			resolved, err := s.Resolve(len(in.Values))
			if err != nil {
				tensor.DisposeAll(rt, mapValues(out)...)
				return nil, fmt.Errorf("input %q: %w", in.Name, err)
			}
			shape = resolved
		}
		dtype := dtypes[in.Name]
		if dtype == "" {
			dtype = tensor.Float32
		}
		t, err := rt.FromValues(ctx, in.Values, shape, dtype)
		if err != nil {
			tensor.DisposeAll(rt, mapValues(out)...)
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		out[in.Name] = t
	}
	return out, nil
}

func mapValues(m tensor.NamedMap) []tensor.Tensor {
	out := make([]tensor.Tensor, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

// printResult writes one line per output: name, shape, dtype and values.
func (app *App) printResult(ctx context.Context, rt tensor.Runtime, res *frozen.Result) error {
	for i, name := range res.Names() {
		t := res.Tensors()[i]
		values, err := rt.Read(ctx, t)
		if err != nil {
			return fmt.Errorf("reading output %q: %w", name, err)
		}
		parts := make([]string, len(values))
		for j, v := range values {
			parts[j] = fmt.Sprintf("%g", v)
		}
		fmt.Fprintf(app.outW, "%s %s %s [%s]\n", name, t.Shape(), t.DType(), strings.Join(parts, " "))
	}
	return nil
}
