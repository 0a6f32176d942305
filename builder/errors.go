package builder

import (
	"errors"
	"fmt"

	"github.com/erigontech/erigon/core/vm"

	"erigon-bus-mapping/tracer"
)

var (
	// ErrTraceMalformed is the trace model's error, re-exported so callers
	// only need this package.
	ErrTraceMalformed = tracer.ErrTraceMalformed
	// ErrCallDepthInconsistent means a call frame push or pop does not match
	// the depth reported by the following step.
	ErrCallDepthInconsistent = errors.New("call depth inconsistent")
	// ErrBuilderState is returned when the builder is driven out of order.
	ErrBuilderState = errors.New("invalid builder state")
	// ErrRwLimitExceeded is returned when a block needs more operations
	// than the configured maximum.
	ErrRwLimitExceeded = errors.New("read-write limit exceeded")
)

// StepError locates a build failure inside the block.
type StepError struct {
	TxIndex   int
	Kind      StepKind
	StepIndex int
	Op        vm.OpCode
	Err       error
}

func (e *StepError) Error() string {
	if e.Kind != StepOpcode {
		return fmt.Sprintf("tx %d: %s: %v", e.TxIndex, e.Kind, e.Err)
	}
	return fmt.Sprintf("tx %d: step %d (%s): %v", e.TxIndex, e.StepIndex, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
