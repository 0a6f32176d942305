package builder

import (
	"fmt"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/erigon/core/tracing"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/statedb"
	"erigon-bus-mapping/tracer"
)

// resumeState is what a caller saves before entering a sub-call and reads
// back when the callee returns.
type resumeState struct {
	pc                     uint64
	stackPointer           uint64
	gasLeft                uint64
	memorySize             uint64
	reversibleWriteCounter uint64
}

type frame struct {
	call   int
	resume resumeState
}

// TransactionContext is the mutable, transaction scoped part of the build:
// the call frame stack, reversible writes per call, the log id and refund.
type TransactionContext struct {
	trace      *tracer.TxTrace
	rootDepth  int
	frames     []frame
	reversible map[int][]operation.Ref
	logID      int
	refund     uint64
}

func newTransactionContext(trace *tracer.TxTrace) *TransactionContext {
	ctx := &TransactionContext{
		trace:      trace,
		reversible: make(map[int][]operation.Ref),
	}
	if len(trace.StructLogs) > 0 {
		ctx.rootDepth = trace.StructLogs[0].Depth
	}
	return ctx
}

// CircuitInputStateRef threads the block, the transaction under
// construction and its context through every opcode handler.
type CircuitInputStateRef struct {
	builder *Builder
	cfg     *Config
	sdb     StateDB
	block   *Block
	tx      *Transaction
	txCtx   *TransactionContext
	logger  log.Logger
}

// Call is the active call frame.
func (s *CircuitInputStateRef) Call() *Call {
	if len(s.txCtx.frames) == 0 {
		return nil
	}
	return s.tx.Calls[s.txCtx.frames[len(s.txCtx.frames)-1].call]
}

func (s *CircuitInputStateRef) callerFrame() (*frame, error) {
	if len(s.txCtx.frames) < 2 {
		return nil, fmt.Errorf("%w: no caller frame", ErrCallDepthInconsistent)
	}
	return &s.txCtx.frames[len(s.txCtx.frames)-2], nil
}

func (s *CircuitInputStateRef) pushCall(call *Call) {
	s.txCtx.frames = append(s.txCtx.frames, frame{call: call.Index})
}

func (s *CircuitInputStateRef) popCall() error {
	if len(s.txCtx.frames) == 0 {
		return fmt.Errorf("%w: pop without an open call", ErrCallDepthInconsistent)
	}
	s.txCtx.frames = s.txCtx.frames[:len(s.txCtx.frames)-1]
	return nil
}

func (s *CircuitInputStateRef) newCall(kind CallKind) *Call {
	call := &Call{
		Index: len(s.tx.Calls),
		ID:    s.block.Container.NextRWC(),
		Kind:  kind,
	}
	s.tx.Calls = append(s.tx.Calls, call)
	return call
}

// NewStep opens a step for an opcode of the trace.
func (s *CircuitInputStateRef) NewStep(exec *tracer.ExecStep) *Step {
	call := s.Call()
	step := &Step{
		Kind:      StepOpcode,
		PC:        exec.PC,
		Op:        exec.Op,
		Gas:       exec.Gas,
		GasCost:   exec.GasCost,
		Depth:     exec.Depth - s.txCtx.rootDepth,
		Error:     exec.Error,
		RWCounter: s.block.Container.NextRWC(),
		LogID:     s.txCtx.logID,
	}
	if call != nil {
		step.CallIndex = call.Index
		step.ReversibleWriteCounter = call.ReversibleWriteCounter
	}
	return step
}

func (s *CircuitInputStateRef) newTxStep(kind StepKind) *Step {
	step := &Step{
		Kind:      kind,
		RWCounter: s.block.Container.NextRWC(),
		LogID:     s.txCtx.logID,
	}
	if call := s.Call(); call != nil {
		step.CallIndex = call.Index
		step.ReversibleWriteCounter = call.ReversibleWriteCounter
	}
	return step
}

// =============================================================================
// OPERATION EMISSION
// =============================================================================

func (s *CircuitInputStateRef) push(step *Step, rw operation.RW, op operation.Op) error {
	if err := s.checkLimit(); err != nil {
		return err
	}
	ref := s.block.Container.Insert(rw, op)
	step.BusMappingInstance = append(step.BusMappingInstance, ref)
	return nil
}

// pushReversible records a write that is undone if call ends up reverted.
func (s *CircuitInputStateRef) pushReversible(step *Step, call *Call, op operation.ReversibleOp) error {
	if err := s.checkLimit(); err != nil {
		return err
	}
	ref := s.block.Container.InsertReversible(operation.WRITE, op)
	step.BusMappingInstance = append(step.BusMappingInstance, ref)
	s.txCtx.reversible[call.Index] = append(s.txCtx.reversible[call.Index], ref)
	call.ReversibleWriteCounter++
	return nil
}

func (s *CircuitInputStateRef) checkLimit() error {
	if s.cfg.MaxRWs > 0 && s.block.Container.Len() >= s.cfg.MaxRWs {
		return fmt.Errorf("%w: max %d", ErrRwLimitExceeded, s.cfg.MaxRWs)
	}
	return nil
}

func (s *CircuitInputStateRef) StackRead(step *Step, addr tracer.StackAddress, value uint256.Int) error {
	return s.push(step, operation.READ, operation.StackOp{CallID: s.Call().ID, Address: addr, Value: value})
}

func (s *CircuitInputStateRef) StackWrite(step *Step, addr tracer.StackAddress, value uint256.Int) error {
	return s.push(step, operation.WRITE, operation.StackOp{CallID: s.Call().ID, Address: addr, Value: value})
}

func (s *CircuitInputStateRef) MemoryRead(step *Step, callID int, addr uint64, value byte) error {
	return s.push(step, operation.READ, operation.MemoryOp{CallID: callID, Address: tracer.MemoryAddress(addr), Value: value})
}

func (s *CircuitInputStateRef) MemoryWrite(step *Step, callID int, addr uint64, value byte) error {
	return s.push(step, operation.WRITE, operation.MemoryOp{CallID: callID, Address: tracer.MemoryAddress(addr), Value: value})
}

func (s *CircuitInputStateRef) CallContextRead(step *Step, callID int, field operation.CallContextField, value uint256.Int) error {
	return s.push(step, operation.READ, operation.CallContextOp{CallID: callID, Field: field, Value: value})
}

func (s *CircuitInputStateRef) CallContextWrite(step *Step, callID int, field operation.CallContextField, value uint256.Int) error {
	return s.push(step, operation.WRITE, operation.CallContextOp{CallID: callID, Field: field, Value: value})
}

// callContextReads reads several fields of call in order.
func (s *CircuitInputStateRef) callContextReads(step *Step, call *Call, fields ...operation.CallContextField) error {
	for _, f := range fields {
		if err := s.CallContextRead(step, call.ID, f, s.callContextValue(call, f)); err != nil {
			return err
		}
	}
	return nil
}

func (s *CircuitInputStateRef) callContextValue(call *Call, field operation.CallContextField) uint256.Int {
	switch field {
	case operation.RwCounterEndOfReversion:
		return u64(uint64(call.RWCounterEndOfReversion))
	case operation.CallerID:
		return u64(uint64(call.CallerID))
	case operation.TxID:
		return u64(uint64(s.tx.ID))
	case operation.Depth:
		return u64(uint64(call.Depth))
	case operation.CallerAddress:
		return addrWord(call.CallerAddress)
	case operation.CalleeAddress:
		return addrWord(call.Address)
	case operation.CallDataOffset:
		return u64(call.CallDataOffset)
	case operation.CallDataLength:
		return u64(call.CallDataLength)
	case operation.ReturnDataOffset:
		return u64(call.ReturnDataOffset)
	case operation.ReturnDataLength:
		return u64(call.ReturnDataLength)
	case operation.Value:
		return call.Value
	case operation.IsSuccess:
		return boolWord(call.IsSuccess)
	case operation.IsPersistent:
		return boolWord(call.IsPersistent)
	case operation.IsStatic:
		return boolWord(call.IsStatic)
	case operation.LastCalleeID:
		return u64(uint64(call.LastCalleeID))
	case operation.LastCalleeReturnDataOffset:
		return u64(call.LastCalleeReturnDataOffset)
	case operation.LastCalleeReturnDataLength:
		return u64(call.LastCalleeReturnDataLength)
	case operation.IsRoot:
		return boolWord(call.IsRoot)
	case operation.IsCreate:
		return boolWord(call.IsCreate)
	case operation.CodeHash:
		return hashWord(call.CodeHash)
	}
	return uint256.Int{}
}

func (s *CircuitInputStateRef) AccountRead(step *Step, addr libcommon.Address, field operation.AccountField, value uint256.Int) error {
	return s.push(step, operation.READ, operation.AccountOp{Address: addr, Field: field, Value: value, ValuePrev: value})
}

// AccountWrite emits an account update and applies it to the state. When
// call is non nil the write is reverted with that call.
func (s *CircuitInputStateRef) AccountWrite(step *Step, call *Call, addr libcommon.Address, field operation.AccountField, value, prev uint256.Int) error {
	op := operation.AccountOp{Address: addr, Field: field, Value: value, ValuePrev: prev}
	var err error
	if call != nil {
		err = s.pushReversible(step, call, op)
	} else {
		err = s.push(step, operation.WRITE, op)
	}
	if err != nil {
		return err
	}
	return s.applyAccount(op)
}

// transfer moves value between two accounts as two reversible balance
// writes, sender first.
func (s *CircuitInputStateRef) transfer(step *Step, call *Call, from, to libcommon.Address, value *uint256.Int) error {
	fromPrev, err := s.sdb.GetBalance(from)
	if err != nil {
		return err
	}
	if fromPrev.Lt(value) {
		return fmt.Errorf("%w: balance of %x below transferred value", ErrTraceMalformed, from)
	}
	if err := s.AccountWrite(step, call, from, operation.AccountBalance, *new(uint256.Int).Sub(fromPrev, value), *fromPrev); err != nil {
		return err
	}
	toPrev, err := s.sdb.GetBalance(to)
	if err != nil {
		return err
	}
	return s.AccountWrite(step, call, to, operation.AccountBalance, *new(uint256.Int).Add(toPrev, value), *toPrev)
}

// accountAccess warms addr in the transaction access list.
func (s *CircuitInputStateRef) accountAccess(step *Step, call *Call, addr libcommon.Address) error {
	wasWarm := s.sdb.AddressInAccessList(addr)
	s.sdb.AddAddressToAccessList(addr)
	op := operation.TxAccessListAccountOp{TxID: s.tx.ID, Address: addr, IsWarm: true, IsWarmPrev: wasWarm}
	if call == nil {
		return s.push(step, operation.WRITE, op)
	}
	return s.pushReversible(step, call, op)
}

// =============================================================================
// REVERSION
// =============================================================================

// revertCall undoes the reversible writes of call, newest first.
func (s *CircuitInputStateRef) revertCall(step *Step, call *Call) error {
	refs := s.txCtx.reversible[call.Index]
	for i := len(refs) - 1; i >= 0; i-- {
		row, ok := s.block.Container.Get(refs[i])
		if !ok {
			return fmt.Errorf("dangling reversible reference %s", refs[i])
		}
		rop, ok := row.Op.(operation.ReversibleOp)
		if !ok {
			return fmt.Errorf("operation %s is not reversible", refs[i])
		}
		rev := rop.Reverse()
		if err := s.push(step, operation.WRITE, rev); err != nil {
			return err
		}
		if err := s.apply(rev); err != nil {
			return err
		}
	}
	delete(s.txCtx.reversible, call.Index)
	s.logger.Trace("[bus-mapping] reverted call", "call", call.ID, "writes", len(refs))
	return nil
}

// apply brings the state db in line with a write.
func (s *CircuitInputStateRef) apply(op operation.Op) error {
	switch o := op.(type) {
	case operation.AccountOp:
		return s.applyAccount(o)
	case operation.AccountStorageOp:
		key := o.Slot
		return s.sdb.SetState(o.Address, &key, o.Value)
	case operation.TransientStorageOp:
		s.sdb.SetTransientState(o.Address, o.Slot, o.Value)
	case operation.StorageOp:
		if !o.IsWarm {
			s.sdb.RemoveSlotFromAccessList(o.Address, o.Slot)
		}
	case operation.TxAccessListAccountOp:
		if !o.IsWarm {
			s.sdb.RemoveAddressFromAccessList(o.Address)
		}
	case operation.TxRefundOp:
		s.txCtx.refund = o.Value
		s.sdb.SetRefund(o.Value)
	}
	return nil
}

func (s *CircuitInputStateRef) applyAccount(op operation.AccountOp) error {
	switch op.Field {
	case operation.AccountBalance:
		return s.sdb.SetBalance(op.Address, &op.Value, tracing.BalanceChangeUnspecified)
	case operation.AccountNonce:
		return s.sdb.SetNonce(op.Address, op.Value.Uint64())
	case operation.AccountCodeHash:
		if op.Value.IsZero() || libcommon.Hash(op.Value.Bytes32()) == statedb.EmptyCodeHash {
			return s.sdb.SetCode(op.Address, nil)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func u64(v uint64) uint256.Int {
	var w uint256.Int
	w.SetUint64(v)
	return w
}

func boolWord(b bool) uint256.Int {
	if b {
		return u64(1)
	}
	return uint256.Int{}
}

func addrWord(a libcommon.Address) uint256.Int {
	var w uint256.Int
	w.SetBytes20(a[:])
	return w
}

func hashWord(h libcommon.Hash) uint256.Int {
	var w uint256.Int
	w.SetBytes32(h[:])
	return w
}

func wordAddr(w *uint256.Int) libcommon.Address {
	return libcommon.Address(w.Bytes20())
}

func wordHash(w *uint256.Int) libcommon.Hash {
	return libcommon.Hash(w.Bytes32())
}
