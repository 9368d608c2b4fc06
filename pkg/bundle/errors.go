package bundle

import (
	"fmt"

	"github.com/rendis/lineage/pkg/graph"
	"github.com/rendis/lineage/pkg/schema"
)

// ExecutionError is the structured failure surfaced when a wrapped call
// faults and fault-catching is enabled. It carries the ExceptionNode that
// keeps the provenance graph intact, the per-frame source annotations, and
// the base fault.
type ExecutionError struct {
	Node   *graph.ExceptionNode
	frames []frameAnnotation
	base   error

	// definition marks a trainable-code definition fault, whose
	// ExceptionNode is already finalized with the code parameter as its
	// sole input.
	definition bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", schema.ErrCodeExecution, e.Node.Name(), e.base)
}

func (e *ExecutionError) Unwrap() error {
	return e.base
}

// Base returns the original fault.
func (e *ExecutionError) Base() error {
	return e.base
}

// Explanation renders the cumulative, line-annotated multi-frame explanation
// of where and why execution failed.
func (e *ExecutionError) Explanation() string {
	return renderExplanation(e.frames, e.base)
}

// newMissingInputsError reports a hard contract violation: nodes were read
// during the call but not declared as inputs, and external dependencies are
// disallowed. Never recovered.
func newMissingInputsError(opName string, missing []*graph.Node) error {
	names := make([]string, len(missing))
	for i, n := range missing {
		names[i] = n.Name()
	}
	return schema.NewErrorf(schema.ErrCodeMissingInputs,
		"not all nodes used by the operator are declared as inputs; missing %v", names).
		WithOp(opName).
		WithDetails(map[string]any{"missing": names})
}
