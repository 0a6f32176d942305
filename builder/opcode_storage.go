package builder

import (
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

// storageAccess warms a slot. The marker always precedes the value carrying
// AccountStorageOp of the same access.
func (s *CircuitInputStateRef) storageAccess(step *Step, call *Call, slot *uint256.Int) error {
	key := wordHash(slot)
	_, wasWarm := s.sdb.SlotInAccessList(call.Address, key)
	s.sdb.AddSlotToAccessList(call.Address, key)
	return s.pushReversible(step, call, operation.StorageOp{
		TxID:       s.tx.ID,
		Address:    call.Address,
		Slot:       key,
		IsWarm:     true,
		IsWarmPrev: wasWarm,
	})
}

func handleSload(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	if err := requireStack(exec, 1); err != nil {
		return err
	}
	call := s.Call()
	if err := s.callContextReads(step, call, operation.TxID, operation.IsPersistent, operation.CalleeAddress); err != nil {
		return err
	}
	words, err := stackReads(s, step, exec, 1)
	if err != nil {
		return err
	}
	if err := s.storageAccess(step, call, &words[0]); err != nil {
		return err
	}

	key := wordHash(&words[0])
	loaded, err := exec.StorageAt(key)
	if err != nil {
		return err
	}
	value := hashWord(loaded)
	var current, committed uint256.Int
	if err := s.sdb.GetState(call.Address, &key, &current); err != nil {
		return err
	}
	if err := s.sdb.GetCommittedState(call.Address, &key, &committed); err != nil {
		return err
	}
	if !current.Eq(&value) {
		// The trace is authoritative for slots the prestate did not cover.
		if err := s.sdb.SetState(call.Address, &key, value); err != nil {
			return err
		}
	}
	err = s.push(step, operation.READ, operation.AccountStorageOp{
		TxID:           s.tx.ID,
		Address:        call.Address,
		Slot:           key,
		Value:          value,
		ValuePrev:      value,
		CommittedValue: committed,
	})
	if err != nil {
		return err
	}
	_, err = stackPushes(s, step, steps, 1, 1)
	return err
}

func handleSstore(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	if err := requireStack(exec, 2); err != nil {
		return err
	}
	call := s.Call()
	err := s.callContextReads(step, call, operation.TxID, operation.IsStatic, operation.IsPersistent, operation.CalleeAddress)
	if err != nil {
		return err
	}
	words, err := stackReads(s, step, exec, 2)
	if err != nil {
		return err
	}
	if err := s.storageAccess(step, call, &words[0]); err != nil {
		return err
	}

	key := wordHash(&words[0])
	var prev, committed uint256.Int
	if err := s.sdb.GetState(call.Address, &key, &prev); err != nil {
		return err
	}
	if err := s.sdb.GetCommittedState(call.Address, &key, &committed); err != nil {
		return err
	}
	err = s.pushReversible(step, call, operation.AccountStorageOp{
		TxID:           s.tx.ID,
		Address:        call.Address,
		Slot:           key,
		Value:          words[1],
		ValuePrev:      prev,
		CommittedValue: committed,
	})
	if err != nil {
		return err
	}
	if err := s.sdb.SetState(call.Address, &key, words[1]); err != nil {
		return err
	}

	refund := s.txCtx.refund
	if len(steps) > 1 {
		refund = steps[1].Refund
	}
	err = s.pushReversible(step, call, operation.TxRefundOp{
		TxID:      s.tx.ID,
		Value:     refund,
		ValuePrev: s.txCtx.refund,
	})
	if err != nil {
		return err
	}
	s.txCtx.refund = refund
	s.sdb.SetRefund(refund)
	return nil
}

func handleTload(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	if err := requireStack(exec, 1); err != nil {
		return err
	}
	call := s.Call()
	if err := s.callContextReads(step, call, operation.TxID, operation.CalleeAddress); err != nil {
		return err
	}
	words, err := stackReads(s, step, exec, 1)
	if err != nil {
		return err
	}
	post, err := postStack(steps, 1, 1)
	if err != nil {
		return err
	}
	value, _ := post.Last()
	key := wordHash(&words[0])
	s.sdb.SetTransientState(call.Address, key, value)
	err = s.push(step, operation.READ, operation.TransientStorageOp{
		TxID:      s.tx.ID,
		Address:   call.Address,
		Slot:      key,
		Value:     value,
		ValuePrev: value,
	})
	if err != nil {
		return err
	}
	_, err = stackPushes(s, step, steps, 1, 1)
	return err
}

func handleTstore(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	if err := requireStack(exec, 2); err != nil {
		return err
	}
	call := s.Call()
	if err := s.callContextReads(step, call, operation.TxID, operation.IsStatic, operation.CalleeAddress); err != nil {
		return err
	}
	words, err := stackReads(s, step, exec, 2)
	if err != nil {
		return err
	}
	key := wordHash(&words[0])
	prev := s.sdb.GetTransientState(call.Address, key)
	err = s.pushReversible(step, call, operation.TransientStorageOp{
		TxID:      s.tx.ID,
		Address:   call.Address,
		Slot:      key,
		Value:     words[1],
		ValuePrev: prev,
	})
	if err != nil {
		return err
	}
	s.sdb.SetTransientState(call.Address, key, words[1])
	return nil
}
