package builder

import (
	"strings"

	"github.com/erigontech/erigon-lib/crypto"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

func handleStop(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	return s.handleReturn(step, steps, nil)
}

func handleInvalid(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	return s.handleReturn(step, steps, nil)
}

// handleErrorStep ends a frame whose last instruction failed. Only a failed
// jump leaves stack reads behind: the destination was popped before it was
// found invalid.
func handleErrorStep(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	if strings.Contains(exec.Error, "invalid jump") {
		switch exec.Op {
		case vm.JUMP:
			if _, err := stackReads(s, step, exec, 1); err != nil {
				return err
			}
		case vm.JUMPI:
			if _, err := stackReads(s, step, exec, 2); err != nil {
				return err
			}
		}
	}
	s.logger.Trace("[bus-mapping] step failed", "op", exec.Op, "pc", exec.PC, "err", exec.Error)
	return s.handleReturn(step, steps, nil)
}

// handleReturnRevert covers RETURN and REVERT, which hand a memory slice
// back to the caller.
func handleReturnRevert(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 2)
	if err != nil {
		return err
	}
	off, n, err := memoryRange(&words[0], &words[1])
	if err != nil {
		return err
	}
	data, err := exec.ReadMemory(off, n)
	if err != nil {
		return err
	}
	return s.handleReturn(step, steps, &returnData{offset: off, data: data})
}

func handleSelfDestruct(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 1)
	if err != nil {
		return err
	}
	call := s.Call()
	err = s.callContextReads(step, call, operation.TxID, operation.IsStatic, operation.CalleeAddress, operation.IsPersistent)
	if err != nil {
		return err
	}
	beneficiary := wordAddr(&words[0])
	if err := s.accountAccess(step, call, beneficiary); err != nil {
		return err
	}
	balance, err := s.sdb.GetBalance(call.Address)
	if err != nil {
		return err
	}
	if beneficiary != call.Address {
		prev, err := s.sdb.GetBalance(beneficiary)
		if err != nil {
			return err
		}
		sum := new(uint256.Int).Add(prev, balance)
		if err := s.AccountWrite(step, call, beneficiary, operation.AccountBalance, *sum, *prev); err != nil {
			return err
		}
	}
	if err := s.AccountWrite(step, call, call.Address, operation.AccountBalance, uint256.Int{}, *balance); err != nil {
		return err
	}
	return s.handleReturn(step, steps, nil)
}

type returnData struct {
	offset uint64
	data   []byte
}

// handleReturn closes the current frame: it settles return data or
// deployed code, reverts a failed frame, restores the caller and pops.
func (s *CircuitInputStateRef) handleReturn(step *Step, steps []tracer.ExecStep, ret *returnData) error {
	exec := &steps[0]
	call := s.Call()
	if err := s.callContextReads(step, call, operation.IsSuccess); err != nil {
		return err
	}

	// Data visible to the caller through RETURNDATACOPY.
	var output []byte
	if ret != nil {
		switch {
		case call.IsCreate && call.IsSuccess && exec.Op == vm.RETURN:
			if err := s.deployCode(step, call, ret); err != nil {
				return err
			}
		case call.IsCreate:
			output = ret.data
		default:
			output = ret.data
			if !call.IsRoot {
				if err := s.copyReturnData(step, call, ret); err != nil {
					return err
				}
			}
		}
	}

	if !call.IsSuccess {
		if err := s.revertCall(step, call); err != nil {
			return err
		}
		call.RWCounterEndOfReversion = s.block.Container.Len()
		if err := s.CallContextWrite(step, call.ID, operation.RwCounterEndOfReversion, u64(uint64(call.RWCounterEndOfReversion))); err != nil {
			return err
		}
	}

	if call.IsRoot {
		return s.popCall()
	}

	frame, err := s.callerFrame()
	if err != nil {
		return err
	}
	caller := s.tx.Calls[frame.call]
	if call.IsSuccess {
		// A successful callee's writes are only undone together with its
		// caller.
		refs := s.txCtx.reversible[call.Index]
		s.txCtx.reversible[caller.Index] = append(s.txCtx.reversible[caller.Index], refs...)
		delete(s.txCtx.reversible, call.Index)
		caller.ReversibleWriteCounter += call.ReversibleWriteCounter
	}
	for _, f := range frame.resume.fields() {
		if err := s.CallContextRead(step, caller.ID, f.field, u64(f.value)); err != nil {
			return err
		}
	}
	var retOffset uint64
	if ret != nil {
		retOffset = ret.offset
	}
	if err := s.setLastCallee(step, caller, call, retOffset, output); err != nil {
		return err
	}
	s.logger.Trace("[bus-mapping] leave call", "call", call.ID, "success", call.IsSuccess, "depth", call.Depth)
	return s.popCall()
}

// copyReturnData copies the returned bytes that fit the caller's return
// buffer into the caller's memory.
func (s *CircuitInputStateRef) copyReturnData(step *Step, call *Call, ret *returnData) error {
	n := min(uint64(len(ret.data)), call.ReturnDataLength)
	for i := uint64(0); i < n; i++ {
		b := ret.data[i]
		if err := s.MemoryRead(step, call.ID, ret.offset+i, b); err != nil {
			return err
		}
		if err := s.MemoryWrite(step, call.CallerID, call.ReturnDataOffset+i, b); err != nil {
			return err
		}
	}
	return nil
}

// deployCode stores the code returned by a successful creation.
func (s *CircuitInputStateRef) deployCode(step *Step, call *Call, ret *returnData) error {
	for i, b := range ret.data {
		if err := s.MemoryRead(step, call.ID, ret.offset+uint64(i), b); err != nil {
			return err
		}
	}
	prev, err := s.sdb.GetCodeHash(call.Address)
	if err != nil {
		return err
	}
	hash := crypto.Keccak256Hash(ret.data)
	if err := s.AccountWrite(step, call, call.Address, operation.AccountCodeHash, hashWord(hash), hashWord(prev)); err != nil {
		return err
	}
	return s.sdb.SetCode(call.Address, ret.data)
}
