package builder

import (
	"fmt"

	"github.com/erigontech/erigon-lib/crypto"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

var rootContextFields = []operation.CallContextField{
	operation.Depth,
	operation.CallerID,
	operation.CallerAddress,
	operation.CalleeAddress,
	operation.CallDataOffset,
	operation.CallDataLength,
	operation.ReturnDataOffset,
	operation.ReturnDataLength,
	operation.Value,
	operation.IsStatic,
	operation.IsRoot,
	operation.IsCreate,
	operation.CodeHash,
}

// BeginTx opens the root call and emits the transaction prologue: sender
// nonce, access list warm-up, gas prepayment and value transfer.
func (s *CircuitInputStateRef) BeginTx() error {
	if err := s.builder.transition(stateBeforeTx, stateInTx); err != nil {
		return err
	}
	if err := s.beginTx(); err != nil {
		return s.builder.fail(&StepError{TxIndex: s.tx.Index, Kind: StepBeginTx, Err: err})
	}
	return nil
}

func (s *CircuitInputStateRef) beginTx() error {
	tx, trace := s.tx, s.txCtx.trace
	step := s.newTxStep(StepBeginTx)

	kind := CallKindCall
	if tx.IsCreate() {
		kind = CallKindCreate
	}
	root := s.newCall(kind)
	root.IsRoot = true
	root.IsCreate = tx.IsCreate()
	root.CallerAddress = tx.From
	root.Value = tx.Value
	root.input = tx.CallData
	if tx.IsCreate() {
		root.Address = crypto.CreateAddress(tx.From, tx.Nonce)
		root.CodeHash = crypto.Keccak256Hash(tx.CallData)
	} else {
		root.Address = *tx.To
		hash, err := s.sdb.GetCodeHash(*tx.To)
		if err != nil {
			return err
		}
		root.CodeHash = hash
		root.CallDataLength = uint64(len(tx.CallData))
	}
	root.CodeAddress = root.Address
	if len(trace.StructLogs) > 0 {
		success, err := frameSucceeds(trace.StructLogs)
		if err != nil {
			return err
		}
		if success == trace.Failed {
			return fmt.Errorf("%w: trace failed=%t but execution ends with %s", ErrTraceMalformed, trace.Failed, trace.StructLogs[frameEnd(trace.StructLogs)].Op)
		}
		root.IsSuccess = success
	} else {
		root.IsSuccess = !trace.Failed
	}
	root.IsPersistent = root.IsSuccess
	s.pushCall(root)
	step.CallIndex = root.Index

	if err := s.callContextReads(step, root, operation.TxID, operation.IsPersistent, operation.IsSuccess); err != nil {
		return err
	}
	if err := s.AccountWrite(step, nil, tx.From, operation.AccountNonce, u64(tx.Nonce+1), u64(tx.Nonce)); err != nil {
		return err
	}
	if err := s.accountAccess(step, nil, tx.From); err != nil {
		return err
	}
	if err := s.accountAccess(step, nil, root.Address); err != nil {
		return err
	}
	if s.cfg.WarmCoinbase {
		if err := s.accountAccess(step, nil, s.block.Coinbase); err != nil {
			return err
		}
	}

	fee := new(uint256.Int).Mul(uint256.NewInt(tx.GasLimit), &tx.GasPrice)
	balance, err := s.sdb.GetBalance(tx.From)
	if err != nil {
		return err
	}
	if balance.Lt(fee) {
		return fmt.Errorf("%w: sender %x cannot pay %s for gas", ErrTraceMalformed, tx.From, fee.Dec())
	}
	if err := s.AccountWrite(step, nil, tx.From, operation.AccountBalance, *new(uint256.Int).Sub(balance, fee), *balance); err != nil {
		return err
	}
	if tx.IsCreate() {
		if err := s.AccountWrite(step, root, root.Address, operation.AccountNonce, u64(1), u64(0)); err != nil {
			return err
		}
	}
	if !tx.Value.IsZero() {
		if err := s.transfer(step, root, tx.From, root.Address, &tx.Value); err != nil {
			return err
		}
	}
	if err := s.callContextReads(step, root, rootContextFields...); err != nil {
		return err
	}
	if !tx.IsCreate() {
		if err := s.AccountRead(step, root.Address, operation.AccountCodeHash, hashWord(root.CodeHash)); err != nil {
			return err
		}
	}
	tx.BeginTx = *step
	s.logger.Debug("[bus-mapping] begin tx", "tx", tx.Index, "from", tx.From, "create", tx.IsCreate(), "steps", len(trace.StructLogs))
	return nil
}

// checkDepth verifies that exec runs in the frame on top of the call stack.
func (s *CircuitInputStateRef) checkDepth(exec *tracer.ExecStep) error {
	call := s.Call()
	if call == nil {
		return fmt.Errorf("%w: step at depth %d after the root call returned", ErrCallDepthInconsistent, exec.Depth)
	}
	if depth := exec.Depth - s.txCtx.rootDepth; depth != call.Depth {
		return fmt.Errorf("%w: step at depth %d, open call at depth %d", ErrCallDepthInconsistent, depth, call.Depth)
	}
	return nil
}

// HandleStep builds step i of the trace and appends it to the transaction.
func (s *CircuitInputStateRef) HandleStep(i int) error {
	if err := s.builder.expect(stateInTx); err != nil {
		return err
	}
	steps := s.txCtx.trace.StructLogs
	if i < 0 || i >= len(steps) {
		return fmt.Errorf("%w: step %d of %d", ErrBuilderState, i, len(steps))
	}
	if err := s.handleStep(steps, i); err != nil {
		return s.builder.fail(&StepError{TxIndex: s.tx.Index, Kind: StepOpcode, StepIndex: i, Op: steps[i].Op, Err: err})
	}
	return nil
}

func (s *CircuitInputStateRef) handleStep(steps []tracer.ExecStep, i int) error {
	exec := &steps[i]
	if err := exec.Validate(); err != nil {
		return err
	}
	if err := s.checkDepth(exec); err != nil {
		return err
	}
	step := s.NewStep(exec)
	if err := genAssociatedOps(s, step, steps[i:]); err != nil {
		return err
	}
	s.logger.Trace("[bus-mapping] step", "tx", s.tx.Index, "step", i, "op", exec.Op, "pc", exec.PC, "ops", len(step.BusMappingInstance))
	s.tx.Steps = append(s.tx.Steps, *step)
	return nil
}

// EndTx emits the transaction epilogue: refund, unused gas returned to the
// sender, the coinbase reward and the receipt.
func (s *CircuitInputStateRef) EndTx() error {
	if err := s.builder.transition(stateInTx, stateAfterTx); err != nil {
		return err
	}
	if err := s.endTx(); err != nil {
		return s.builder.fail(&StepError{TxIndex: s.tx.Index, Kind: StepEndTx, Err: err})
	}
	return nil
}

func (s *CircuitInputStateRef) endTx() error {
	tx, trace := s.tx, s.txCtx.trace
	root := tx.Calls[0]
	step := s.newTxStep(StepEndTx)
	step.CallIndex = root.Index

	if len(trace.StructLogs) == 0 {
		if !root.IsSuccess {
			if err := s.revertCall(step, root); err != nil {
				return err
			}
		}
		if err := s.popCall(); err != nil {
			return err
		}
	}
	if len(s.txCtx.frames) != 0 {
		return fmt.Errorf("%w: %d call frames still open", ErrCallDepthInconsistent, len(s.txCtx.frames))
	}

	if err := s.callContextReads(step, root, operation.TxID, operation.IsPersistent); err != nil {
		return err
	}
	err := s.push(step, operation.READ, operation.TxRefundOp{TxID: tx.ID, Value: s.txCtx.refund, ValuePrev: s.txCtx.refund})
	if err != nil {
		return err
	}

	if trace.Gas > tx.GasLimit {
		return fmt.Errorf("%w: gas used %d above limit %d", ErrTraceMalformed, trace.Gas, tx.GasLimit)
	}
	tx.GasUsed = trace.Gas
	unused := new(uint256.Int).Mul(uint256.NewInt(tx.GasLimit-tx.GasUsed), &tx.GasPrice)
	balance, err := s.sdb.GetBalance(tx.From)
	if err != nil {
		return err
	}
	if err := s.AccountWrite(step, nil, tx.From, operation.AccountBalance, *new(uint256.Int).Add(balance, unused), *balance); err != nil {
		return err
	}

	if tx.GasPrice.Lt(&s.block.BaseFee) {
		return fmt.Errorf("%w: gas price %s below base fee %s", ErrTraceMalformed, tx.GasPrice.Dec(), s.block.BaseFee.Dec())
	}
	tip := new(uint256.Int).Sub(&tx.GasPrice, &s.block.BaseFee)
	reward := new(uint256.Int).Mul(uint256.NewInt(tx.GasUsed), tip)
	coinbase, err := s.sdb.GetBalance(s.block.Coinbase)
	if err != nil {
		return err
	}
	if err := s.AccountWrite(step, nil, s.block.Coinbase, operation.AccountBalance, *new(uint256.Int).Add(coinbase, reward), *coinbase); err != nil {
		return err
	}

	s.block.cumulativeGasUsed += tx.GasUsed
	var status uint64
	if root.IsSuccess {
		status = 1
	}
	for _, r := range []struct {
		field operation.TxReceiptField
		value uint64
	}{
		{operation.TxReceiptPostStateOrStatus, status},
		{operation.TxReceiptLogLength, uint64(s.txCtx.logID)},
		{operation.TxReceiptCumulativeGasUsed, s.block.cumulativeGasUsed},
	} {
		if err := s.push(step, operation.READ, operation.TxReceiptOp{TxID: tx.ID, Field: r.field, Value: r.value}); err != nil {
			return err
		}
	}

	s.sdb.FinaliseTx()
	tx.EndTx = *step
	s.block.Txs = append(s.block.Txs, tx)
	s.logger.Debug("[bus-mapping] end tx", "tx", tx.Index, "success", root.IsSuccess, "gasUsed", tx.GasUsed, "logs", s.txCtx.logID)
	return nil
}
