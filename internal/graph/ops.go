package graph

// Control-flow op types and the attributes naming their subgraphs.
const (
	OpIf    = "If"
	OpWhile = "While"

	AttrThenBranch = "then_branch"
	AttrElseBranch = "else_branch"
	AttrCond       = "cond"
	AttrBody       = "body"
)

var controlFlowOps = map[string]bool{
	OpIf:    true,
	OpWhile: true,
}

// Ops whose output shape depends on input values.
var dynamicShapeOps = map[string]bool{
	"NonZero":             true,
	"BooleanMask":         true,
	"Unique":              true,
	"Where":               true,
	"ListDiff":            true,
	"NonMaxSuppressionV5": true,
}

// IsControlFlow reports whether op selects or repeats subgraphs at run time.
func IsControlFlow(op string) bool { return controlFlowOps[op] }

// IsDynamicShape reports whether op's output shape is only known after it runs.
func IsDynamicShape(op string) bool { return dynamicShapeOps[op] }

// Capabilities summarizes the ops present in a graph and its functions.
type Capabilities struct {
	HasControlFlow  bool
	HasDynamicShape bool
	// FirstDynamicNode names the first node that set one of the flags.
	FirstDynamicNode string
	FirstDynamicOp   string
}

// RequiresAsync reports whether the graph can only run on the async path.
func (c Capabilities) RequiresAsync() bool {
	return c.HasControlFlow || c.HasDynamicShape
}
