package builder

import (
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

// handleLog covers LOG0..LOG4. Logs of a call that will be reverted leave no
// TxLog entries and do not consume a log id.
func handleLog(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	topics := int(exec.Op - vm.LOG0)
	words, err := stackReads(s, step, exec, 2+topics)
	if err != nil {
		return err
	}
	call := s.Call()
	err = s.callContextReads(step, call, operation.TxID, operation.IsStatic, operation.CalleeAddress, operation.IsPersistent)
	if err != nil {
		return err
	}
	off, n, err := memoryRange(&words[0], &words[1])
	if err != nil {
		return err
	}
	if !call.IsPersistent {
		step.LogID = s.txCtx.logID
		return nil
	}

	s.txCtx.logID++
	logID := s.txCtx.logID
	step.LogID = logID
	entry := func(field operation.TxLogField, index int, value uint256.Int) error {
		return s.push(step, operation.WRITE, operation.TxLogOp{
			TxID:  s.tx.ID,
			LogID: logID,
			Field: field,
			Index: index,
			Value: value,
		})
	}
	if err := entry(operation.TxLogAddress, 0, addrWord(call.Address)); err != nil {
		return err
	}
	for i := 0; i < topics; i++ {
		if err := entry(operation.TxLogTopic, i, words[2+i]); err != nil {
			return err
		}
	}
	data, err := exec.ReadMemory(off, n)
	if err != nil {
		return err
	}
	for i, b := range data {
		if err := s.MemoryRead(step, call.ID, off+uint64(i), b); err != nil {
			return err
		}
		if err := entry(operation.TxLogData, i, u64(uint64(b))); err != nil {
			return err
		}
	}
	return nil
}
