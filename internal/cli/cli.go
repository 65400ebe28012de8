package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/specialistvlad/frozengraph/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

const usage = `
frozengraph - evaluate frozen model graphs, locally or against a tensor server.

Usage:
  frozengraph [run] [options] MODEL_URL
  frozengraph serve [options]

Arguments:
  MODEL_URL
    file:///path/model.hcl, a path to an .hcl file or directory, or
    gs://bucket/object (a trailing slash loads every .hcl object under it).

Options:
`

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	command := app.CommandRun
	if len(args) > 0 && (args[0] == app.CommandRun || args[0] == app.CommandServe) {
		command, args = args[0], args[1:]
	}

	flagSet := flag.NewFlagSet("frozengraph "+command, flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usage)
		flagSet.PrintDefaults()
	}

	var inputs []app.InputValue
	var outputs []string
	flagSet.Func("input", "Input tensor as name=v1,v2,... (repeatable).", func(s string) error {
		in, err := parseInput(s)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
		return nil
	})
	flagSet.Func("output", "Tensor names to return, comma separated (repeatable). Defaults to the declared outputs.", func(s string) error {
		for _, name := range strings.Split(s, ",") {
			if name = strings.TrimSpace(name); name != "" {
				outputs = append(outputs, name)
			}
		}
		return nil
	})
	modeFlag := flagSet.String("mode", app.ModeAuto, "Execution path. Options: 'auto', 'predict', 'execute', 'async'.")
	runtimeFlag := flagSet.String("runtime", app.RuntimeCPU, "Tensor runtime: 'cpu' or the URL of a tensor server, e.g. http://localhost:8090/socket.io/.")
	maxLoopFlag := flagSet.Int("max-loop-iterations", 0, "Stop While loops after this many iterations. 0 is unbounded.")
	listenFlag := flagSet.String("listen", ":8090", "Address the tensor server listens on (serve only).")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.", "command", command)

	modelURL := ""
	if command == app.CommandRun {
		if flagSet.NArg() == 0 {
			slog.Debug("No model URL provided, printing usage and exiting.")
			flagSet.Usage()
			return nil, true, nil
		}
		modelURL = flagSet.Arg(0)
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		Command:           command,
		ModelURL:          modelURL,
		Inputs:            inputs,
		Outputs:           outputs,
		Mode:              strings.ToLower(*modeFlag),
		Runtime:           *runtimeFlag,
		MaxLoopIterations: *maxLoopFlag,
		Listen:            *listenFlag,
		HealthcheckPort:   *healthPortFlag,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

// parseInput reads "name=v1,v2,...". An empty value list is an empty tensor.
func parseInput(s string) (app.InputValue, error) {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return app.InputValue{}, fmt.Errorf("input %q must look like name=v1,v2", s)
	}
	in := app.InputValue{Name: name, Values: []float32{}}
	if strings.TrimSpace(raw) == "" {
		return in, nil
	}
	for _, field := range strings.Split(raw, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return app.InputValue{}, fmt.Errorf("input %q: %w", name, err)
		}
		in.Values = append(in.Values, float32(v))
	}
	return in, nil
}
