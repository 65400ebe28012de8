package executor

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/frozengraph/internal/tensor"
)

// InputCountError is returned in strict mode when the number of supplied
// inputs differs from the number of declared placeholders.
type InputCountError struct {
	Expected int
	Got      int
}

func (e *InputCountError) Error() string {
	return fmt.Sprintf("input tensor count mismatch: the graph declares %d inputs, but %d were provided", e.Expected, e.Got)
}

// InputShapeMismatchError is returned when a fed placeholder tensor does not
// match the declared dtype or shape.
type InputShapeMismatchError struct {
	Input         string
	Declared      tensor.Shape
	Got           tensor.Shape
	DeclaredDType tensor.DType
	GotDType      tensor.DType
}

func (e *InputShapeMismatchError) Error() string {
	if e.DeclaredDType != "" && e.DeclaredDType != e.GotDType {
		return fmt.Sprintf("input %q must have dtype %s, got %s", e.Input, e.DeclaredDType, e.GotDType)
	}
	return fmt.Sprintf("input %q must have shape %s, got %s", e.Input, e.Declared, e.Got)
}

// WrongExecutionPathError is returned before any kernel runs when a call is
// made on the path that does not fit the graph.
type WrongExecutionPathError struct {
	Called string
	Use    string
	Reason string
}

func (e *WrongExecutionPathError) Error() string {
	return fmt.Sprintf("%s cannot run this graph: %s; use %s instead", e.Called, e.Reason, e.Use)
}

// KernelExecutionError wraps a failure reported by the tensor runtime. The
// runtime's error is available through errors.As and errors.Unwrap.
type KernelExecutionError struct {
	Node string
	Op   string
	Err  error
}

func (e *KernelExecutionError) Error() string {
	return fmt.Sprintf("node %q (op %s) failed: %v", e.Node, e.Op, e.Err)
}

func (e *KernelExecutionError) Unwrap() error { return e.Err }

// UnknownTensorError is returned when a call names an input or output that
// the graph does not contain.
type UnknownTensorError struct {
	Name string
	Role string
}

func (e *UnknownTensorError) Error() string {
	return fmt.Sprintf("%s %q is not part of the graph", e.Role, e.Name)
}

// MissingInputsError is returned when the requested outputs depend on
// placeholders that were not fed, or on an unfed output of a node whose
// other outputs were fed.
type MissingInputsError struct {
	Outputs []string
	Missing []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("cannot compute outputs [%s]: missing inputs [%s]",
		strings.Join(e.Outputs, ", "), strings.Join(e.Missing, ", "))
}

// LoopLimitError is returned when a While node exceeds the configured
// iteration limit.
type LoopLimitError struct {
	Node  string
	Limit int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("while loop %q did not finish within %d iterations", e.Node, e.Limit)
}
