package tracer

import (
	"maps"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/erigon/core/tracing"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"
)

// StateReader is the part of the intra block state the tracer consults to
// fill storage snapshots and the refund counter.
type StateReader interface {
	GetState(addr libcommon.Address, key *libcommon.Hash, value *uint256.Int) error
	GetRefund() uint64
}

// =============================================================================
// STATE TRACER
// =============================================================================

// StateTracer records ExecSteps from an in-process EVM through the erigon
// tracing hooks.
type StateTracer struct {
	state   StateReader
	logger  log.Logger
	steps   []ExecStep
	storage map[libcommon.Address]map[libcommon.Hash]libcommon.Hash

	output  []byte
	failed  bool
	gasUsed uint64
}

func NewStateTracer(state StateReader, logger log.Logger) *StateTracer {
	if logger == nil {
		logger = log.Root()
	}
	return &StateTracer{
		state:   state,
		logger:  logger,
		storage: make(map[libcommon.Address]map[libcommon.Hash]libcommon.Hash),
	}
}

func (t *StateTracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnOpcode: t.OnOpcode,
		OnFault:  t.OnFault,
		OnExit:   t.OnExit,
	}
}

func (t *StateTracer) OnOpcode(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, rData []byte, depth int, err error) {
	t.captureState(pc, vm.OpCode(op), gas, cost, scope.MemoryData(), scope.StackData(), scope.Address(), depth, err)
}

func (t *StateTracer) OnFault(pc uint64, op byte, gas, cost uint64, scope tracing.OpContext, depth int, err error) {
	if len(t.steps) == 0 || err == nil {
		return
	}
	last := &t.steps[len(t.steps)-1]
	if last.PC == pc && last.Depth == depth && last.Error == "" {
		last.Error = err.Error()
	}
}

func (t *StateTracer) OnExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	if depth != 0 {
		return
	}
	t.output = append([]byte(nil), output...)
	t.failed = err != nil || reverted
	t.gasUsed = gasUsed
}

func (t *StateTracer) captureState(pc uint64, op vm.OpCode, gas, cost uint64, memory []byte, stack []uint256.Int, contract libcommon.Address, depth int, err error) {
	t.logger.Trace("[tracer] step", "pc", pc, "op", op.String(), "gas", gas, "stack", len(stack), "depth", depth)

	snapshot := make(Stack, len(stack))
	copy(snapshot, stack)

	slots := t.storage[contract]
	if slots == nil {
		slots = make(map[libcommon.Hash]libcommon.Hash)
		t.storage[contract] = slots
	}
	switch {
	case op == vm.SLOAD && len(stack) >= 1:
		key := libcommon.Hash(stack[len(stack)-1].Bytes32())
		var value uint256.Int
		if t.state != nil {
			if serr := t.state.GetState(contract, &key, &value); serr != nil {
				t.logger.Warn("[tracer] storage read failed", "addr", contract, "key", key, "err", serr)
			}
		}
		slots[key] = value.Bytes32()
	case op == vm.SSTORE && len(stack) >= 2:
		key := libcommon.Hash(stack[len(stack)-1].Bytes32())
		slots[key] = stack[len(stack)-2].Bytes32()
	}

	var refund uint64
	if t.state != nil {
		refund = t.state.GetRefund()
	}
	step := ExecStep{
		PC:         pc,
		Op:         op,
		Gas:        gas,
		GasCost:    cost,
		Depth:      depth,
		Stack:      snapshot,
		Memory:     append(Memory(nil), memory...),
		MemorySize: len(memory),
		Storage:    maps.Clone(slots),
		Refund:     refund,
	}
	if err != nil {
		step.Error = err.Error()
	}
	t.steps = append(t.steps, step)
}

// Trace returns what has been recorded so far.
func (t *StateTracer) Trace() *TxTrace {
	return &TxTrace{
		Gas:         t.gasUsed,
		Failed:      t.failed,
		ReturnValue: t.output,
		StructLogs:  t.steps,
	}
}

// Reset drops recorded steps so the tracer can be reused for the next
// transaction.
func (t *StateTracer) Reset() {
	t.steps = nil
	t.output = nil
	t.failed = false
	t.gasUsed = 0
	clear(t.storage)
}
