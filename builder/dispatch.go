package builder

import (
	"fmt"

	"github.com/erigontech/erigon/core/vm"

	"erigon-bus-mapping/tracer"
)

// opcodeHandler emits the operations of steps[0]. The remaining steps are
// lookahead: handlers read the post-step stack from the next step in the
// same call frame.
type opcodeHandler func(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error

// genAssociatedOps routes a step to its handler. Failed steps end their call
// frame no matter which opcode raised the error. REVERT carries the
// "execution reverted" error in struct logs and keeps its own handler.
func genAssociatedOps(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	if exec.Failed() && exec.Op != vm.REVERT {
		return handleErrorStep(s, step, steps)
	}
	handler, ok := handlerFor(exec.Op)
	if !ok {
		return fmt.Errorf("%w: unimplemented opcode: 0x%02x", ErrTraceMalformed, uint64(exec.Op))
	}
	return handler(s, step, steps)
}

func handlerFor(op vm.OpCode) (opcodeHandler, bool) {
	switch op {
	case vm.STOP:
		return handleStop, true

	// =============================================================================
	// ARITHMETIC, COMPARISON AND BITWISE
	// =============================================================================
	case vm.ADD, vm.MUL, vm.SUB, vm.DIV, vm.SDIV, vm.MOD, vm.SMOD, vm.EXP, vm.SIGNEXTEND,
		vm.LT, vm.GT, vm.SLT, vm.SGT, vm.EQ, vm.AND, vm.OR, vm.XOR, vm.BYTE,
		vm.SHL, vm.SHR, vm.SAR:
		return stackOnly(2, 1), true
	case vm.ADDMOD, vm.MULMOD:
		return stackOnly(3, 1), true
	case vm.ISZERO, vm.NOT:
		return stackOnly(1, 1), true
	case vm.KECCAK256:
		return handleKeccak, true

	// =============================================================================
	// ENVIRONMENT
	// =============================================================================
	case vm.ADDRESS, vm.CALLER, vm.CALLVALUE, vm.CALLDATASIZE, vm.RETURNDATASIZE,
		vm.ORIGIN, vm.GASPRICE, vm.CODESIZE:
		return handleCallContextPush, true
	case vm.SELFBALANCE:
		return handleSelfBalance, true
	case vm.BALANCE, vm.EXTCODESIZE, vm.EXTCODEHASH:
		return handleAccountAccess, true
	case vm.EXTCODECOPY:
		return handleExtCodeCopy, true
	case vm.CALLDATALOAD:
		return handleCallDataLoad, true
	case vm.CALLDATACOPY:
		return handleCallDataCopy, true
	case vm.CODECOPY:
		return handleCodeCopy, true
	case vm.RETURNDATACOPY:
		return handleReturnDataCopy, true

	// =============================================================================
	// BLOCK CONTEXT
	// =============================================================================
	case vm.COINBASE, vm.TIMESTAMP, vm.NUMBER, vm.DIFFICULTY, vm.GASLIMIT, vm.CHAINID,
		vm.BASEFEE, vm.BLOBBASEFEE:
		return stackOnly(0, 1), true
	case vm.BLOCKHASH, vm.BLOBHASH:
		return stackOnly(1, 1), true

	// =============================================================================
	// STACK, MEMORY, STORAGE AND FLOW
	// =============================================================================
	case vm.POP, vm.JUMP:
		return stackOnly(1, 0), true
	case vm.JUMPI:
		return stackOnly(2, 0), true
	case vm.JUMPDEST:
		return stackOnly(0, 0), true
	case vm.PC, vm.MSIZE, vm.GAS:
		return stackOnly(0, 1), true
	case vm.MLOAD:
		return handleMload, true
	case vm.MSTORE, vm.MSTORE8:
		return handleMstore, true
	case vm.MCOPY:
		return handleMcopy, true
	case vm.SLOAD:
		return handleSload, true
	case vm.SSTORE:
		return handleSstore, true
	case vm.TLOAD:
		return handleTload, true
	case vm.TSTORE:
		return handleTstore, true

	case vm.LOG0, vm.LOG1, vm.LOG2, vm.LOG3, vm.LOG4:
		return handleLog, true

	// =============================================================================
	// CALLS
	// =============================================================================
	case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL:
		return handleCall, true
	case vm.CREATE, vm.CREATE2:
		return handleCreate, true
	case vm.RETURN, vm.REVERT:
		return handleReturnRevert, true
	case vm.INVALID:
		return handleInvalid, true
	case vm.SELFDESTRUCT:
		return handleSelfDestruct, true
	}

	switch {
	case op == vm.PUSH0 || (op >= vm.PUSH1 && op <= vm.PUSH32):
		return stackOnly(0, 1), true
	case op >= vm.DUP1 && op <= vm.DUP16:
		return dup(int(op-vm.DUP1) + 1), true
	case op >= vm.SWAP1 && op <= vm.SWAP16:
		return swap(int(op-vm.SWAP1) + 1), true
	}
	return nil, false
}

// =============================================================================
// LOOKAHEAD
// =============================================================================

// nextInFrame returns the next step executed by the frame of steps[0],
// skipping sub-call steps. It returns nil when the frame ends first.
func nextInFrame(steps []tracer.ExecStep) *tracer.ExecStep {
	depth := steps[0].Depth
	for i := 1; i < len(steps); i++ {
		switch {
		case steps[i].Depth == depth:
			return &steps[i]
		case steps[i].Depth < depth:
			return nil
		}
	}
	return nil
}

// frameEnd returns the index of the last step of the frame that starts at
// steps[0], or -1 when the trace ends before the frame does.
func frameEnd(steps []tracer.ExecStep) int {
	if len(steps) == 0 {
		return -1
	}
	depth := steps[0].Depth
	for i := range steps {
		if steps[i].Depth < depth {
			return -1
		}
		if steps[i].Depth == depth && (i+1 == len(steps) || steps[i+1].Depth < depth) {
			return i
		}
	}
	return -1
}

// frameSucceeds reports whether the frame starting at steps[0] halts
// without error.
func frameSucceeds(steps []tracer.ExecStep) (bool, error) {
	end := frameEnd(steps)
	if end < 0 {
		return false, fmt.Errorf("%w: call frame at depth %d never returns", ErrCallDepthInconsistent, steps[0].Depth)
	}
	last := &steps[end]
	if last.Failed() {
		return false, nil
	}
	switch last.Op {
	case vm.STOP, vm.RETURN, vm.SELFDESTRUCT:
		return true, nil
	}
	return false, nil
}

// postStack returns the stack left behind by steps[0], checked against the
// number of words it pops and pushes.
func postStack(steps []tracer.ExecStep, pops, pushes int) (tracer.Stack, error) {
	exec := &steps[0]
	next := nextInFrame(steps)
	if next == nil {
		return nil, fmt.Errorf("%w: %s has no following step in its frame", ErrTraceMalformed, exec.Op)
	}
	want := exec.Stack.Len() - pops + pushes
	if next.Stack.Len() != want {
		return nil, fmt.Errorf("%w: %s leaves %d stack items, expected %d", ErrTraceMalformed, exec.Op, next.Stack.Len(), want)
	}
	if err := next.Stack.Validate(); err != nil {
		return nil, err
	}
	return next.Stack, nil
}
