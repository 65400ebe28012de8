package app

import (
	"errors"
	"fmt"
	"strings"
)

// Commands.
const (
	CommandRun   = "run"
	CommandServe = "serve"
)

// Execution modes for the run command.
const (
	ModeAuto    = "auto"
	ModePredict = "predict"
	ModeExecute = "execute"
	ModeAsync   = "async"
)

// RuntimeCPU selects the in-process runtime. Any other runtime value is the
// URL of a tensor server.
const RuntimeCPU = "cpu"

// InputValue is one -input flag: a tensor name and its flat values.
type InputValue struct {
	Name   string
	Values []float32
}

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Command string

	// run
	ModelURL          string
	Inputs            []InputValue
	Outputs           []string
	Mode              string
	Runtime           string
	MaxLoopIterations int

	// serve
	Listen string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Command == "" {
		cfg.Command = CommandRun
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Runtime == "" {
		cfg.Runtime = RuntimeCPU
	}

	switch cfg.Command {
	case CommandRun:
		if cfg.ModelURL == "" {
			return nil, errors.New("ModelURL is a required configuration field and cannot be empty")
		}
	case CommandServe:
		if cfg.Listen == "" {
			return nil, errors.New("Listen is a required configuration field for serve")
		}
	default:
		return nil, fmt.Errorf("unknown command %q", cfg.Command)
	}

	switch cfg.Mode {
	case ModeAuto, ModePredict, ModeExecute, ModeAsync:
	default:
		return nil, fmt.Errorf("invalid mode %q: must be one of %s", cfg.Mode, strings.Join([]string{ModeAuto, ModePredict, ModeExecute, ModeAsync}, ", "))
	}
	if cfg.MaxLoopIterations < 0 {
		return nil, errors.New("MaxLoopIterations cannot be negative")
	}

	seen := make(map[string]bool, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		if seen[in.Name] {
			return nil, fmt.Errorf("input %q is given more than once", in.Name)
		}
		seen[in.Name] = true
	}
	return &cfg, nil
}
