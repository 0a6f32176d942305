package builder

import (
	"fmt"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/crypto"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

// maxCallDepth is the deepest frame a CALL or CREATE may open, counting the
// transaction's root frame as depth 1.
const maxCallDepth = 1024

var calleeContextFields = []operation.CallContextField{
	operation.CallerID,
	operation.TxID,
	operation.Depth,
	operation.CallerAddress,
	operation.CalleeAddress,
	operation.CallDataOffset,
	operation.CallDataLength,
	operation.ReturnDataOffset,
	operation.ReturnDataLength,
	operation.Value,
	operation.IsSuccess,
	operation.IsStatic,
	operation.IsPersistent,
	operation.IsRoot,
	operation.IsCreate,
	operation.CodeHash,
}

func callKindOf(op vm.OpCode) CallKind {
	switch op {
	case vm.CALLCODE:
		return CallKindCallCode
	case vm.DELEGATECALL:
		return CallKindDelegateCall
	case vm.STATICCALL:
		return CallKindStaticCall
	case vm.CREATE:
		return CallKindCreate
	case vm.CREATE2:
		return CallKindCreate2
	}
	return CallKindCall
}

// entersCallee reports whether the step after steps[0] runs one frame
// deeper. Calls to accounts without code, precompiles and calls rejected
// for balance or depth never open a frame in the trace.
func entersCallee(steps []tracer.ExecStep) bool {
	return len(steps) > 1 && steps[1].Depth == steps[0].Depth+1
}

// saveCaller stores the caller's resume point before control moves to a
// callee.
func (s *CircuitInputStateRef) saveCaller(step *Step, caller *Call, exec *tracer.ExecStep, pops int) error {
	var gasLeft uint64
	if exec.Gas > exec.GasCost {
		gasLeft = exec.Gas - exec.GasCost
	}
	resume := resumeState{
		pc:                     exec.PC + 1,
		stackPointer:           uint64(tracer.StackLimit - exec.Stack.Len() + pops),
		gasLeft:                gasLeft,
		memorySize:             uint64(exec.MemorySize),
		reversibleWriteCounter: uint64(caller.ReversibleWriteCounter),
	}
	s.txCtx.frames[len(s.txCtx.frames)-1].resume = resume
	for _, w := range resume.fields() {
		if err := s.CallContextWrite(step, caller.ID, w.field, u64(w.value)); err != nil {
			return err
		}
	}
	return nil
}

type resumeField struct {
	field operation.CallContextField
	value uint64
}

func (r resumeState) fields() []resumeField {
	return []resumeField{
		{operation.ProgramCounter, r.pc},
		{operation.StackPointer, r.stackPointer},
		{operation.GasLeft, r.gasLeft},
		{operation.MemorySize, r.memorySize},
		{operation.ReversibleWriteCounter, r.reversibleWriteCounter},
	}
}

// setLastCallee records the outcome of a finished sub-call on its caller.
func (s *CircuitInputStateRef) setLastCallee(step *Step, caller, callee *Call, retOffset uint64, data []byte) error {
	caller.LastCalleeID = callee.ID
	caller.LastCalleeReturnDataOffset = retOffset
	caller.LastCalleeReturnDataLength = uint64(len(data))
	caller.lastReturnData = data
	for _, f := range []operation.CallContextField{
		operation.LastCalleeID,
		operation.LastCalleeReturnDataOffset,
		operation.LastCalleeReturnDataLength,
	} {
		if err := s.CallContextWrite(step, caller.ID, f, s.callContextValue(caller, f)); err != nil {
			return err
		}
	}
	return nil
}

// isPrecompile reports whether addr is in the precompile range, 0x01 to 0x11
// as of Prague. Calls to other accounts without code return nothing.
func isPrecompile(addr libcommon.Address) bool {
	for _, b := range addr[:len(addr)-1] {
		if b != 0 {
			return false
		}
	}
	last := addr[len(addr)-1]
	return last >= 0x01 && last <= 0x11
}

type returnDataCopy struct {
	src  uint64
	data []byte
}

// returnDataOf recovers the return data of a call that completed without a
// frame in the trace, as precompiles do, from what the caller observes
// afterwards: the copy into its return buffer, later RETURNDATACOPY results
// and RETURNDATASIZE. Without a RETURNDATASIZE the length is taken to be the
// larger of the return buffer and the copied ranges.
func returnDataOf(steps []tracer.ExecStep, retOffset, retSize uint64) ([]byte, error) {
	var (
		size, sized = retSize, false
		copyEnd     uint64
		copies      []returnDataCopy
	)
	depth := steps[0].Depth
scan:
	for i := 1; i < len(steps); i++ {
		exec := &steps[i]
		if exec.Depth < depth {
			break
		}
		if exec.Depth > depth {
			continue
		}
		if exec.Failed() {
			break
		}
		switch exec.Op {
		case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL, vm.CREATE, vm.CREATE2:
			break scan
		case vm.RETURNDATASIZE:
			post, err := postStack(steps[i:], 0, 1)
			if err != nil {
				return nil, err
			}
			n, _ := post.Last()
			if !n.IsUint64() || n.Uint64() > maxMemoryRange {
				return nil, fmt.Errorf("%w: return data size %s out of bounds", ErrTraceMalformed, n.Hex())
			}
			size, sized = n.Uint64(), true
		case vm.RETURNDATACOPY:
			if exec.Stack.Len() < 3 {
				break scan
			}
			dstWord, _ := exec.Stack.Last()
			srcWord, _ := exec.Stack.NthLast(1)
			nWord, _ := exec.Stack.NthLast(2)
			dst, n, err := memoryRange(&dstWord, &nWord)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				continue
			}
			next := nextInFrame(steps[i:])
			if next == nil {
				break scan
			}
			data, err := next.ReadMemory(dst, n)
			if err != nil {
				return nil, err
			}
			src := saturatingU64(&srcWord)
			if src+n < src {
				return nil, fmt.Errorf("%w: return data copy %d+%d overflows", ErrTraceMalformed, src, n)
			}
			copyEnd = max(copyEnd, src+n)
			copies = append(copies, returnDataCopy{src: src, data: data})
		}
	}
	if !sized {
		size = max(size, copyEnd)
	}
	if size > maxMemoryRange {
		return nil, fmt.Errorf("%w: return data of %d bytes", ErrTraceMalformed, size)
	}

	data := make([]byte, size)
	if n := min(retSize, size); n > 0 {
		if next := nextInFrame(steps); next != nil {
			buf, err := next.ReadMemory(retOffset, n)
			if err != nil {
				return nil, err
			}
			copy(data, buf)
		}
	}
	for _, c := range copies {
		if c.src < size {
			copy(data[c.src:], c.data)
		}
	}
	return data, nil
}

// enterCallee resolves the callee's fate from the trace and opens its frame
// when the trace steps into it. The returned flag tells whether the frame
// was opened.
func (s *CircuitInputStateRef) enterCallee(step *Step, steps []tracer.ExecStep, caller, callee *Call, post tracer.Stack) (bool, error) {
	result, _ := post.Last()
	if !entersCallee(steps) {
		callee.IsSuccess = !result.IsZero()
		callee.IsPersistent = callee.IsSuccess && caller.IsPersistent
		return false, nil
	}
	success, err := frameSucceeds(steps[1:])
	if err != nil {
		return false, err
	}
	callee.IsSuccess = success
	callee.IsPersistent = success && caller.IsPersistent
	if success == result.IsZero() {
		return false, fmt.Errorf("%w: %s result %s disagrees with callee outcome", ErrTraceMalformed, steps[0].Op, result.Hex())
	}
	return true, nil
}

// handleCall covers CALL, CALLCODE, DELEGATECALL and STATICCALL.
func handleCall(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	kind := callKindOf(exec.Op)
	pops := 6
	if kind == CallKindCall || kind == CallKindCallCode {
		pops = 7
	}
	words, err := stackReads(s, step, exec, pops)
	if err != nil {
		return err
	}
	caller := s.Call()
	fields := []operation.CallContextField{operation.TxID, operation.IsStatic, operation.Depth, operation.CalleeAddress}
	if kind == CallKindDelegateCall {
		fields = append(fields, operation.CallerAddress, operation.Value)
	}
	if err := s.callContextReads(step, caller, fields...); err != nil {
		return err
	}

	target := wordAddr(&words[1])
	var value uint256.Int
	args := words[2:]
	if pops == 7 {
		value = words[2]
		args = words[3:]
	}
	argsOffset, argsSize, err := memoryRange(&args[0], &args[1])
	if err != nil {
		return err
	}
	retOffset, retSize, err := memoryRange(&args[2], &args[3])
	if err != nil {
		return err
	}

	post, err := stackPushes(s, step, steps, pops, 1)
	if err != nil {
		return err
	}
	if err := s.accountAccess(step, caller, target); err != nil {
		return err
	}
	if kind == CallKindCall || kind == CallKindCallCode {
		balance, err := s.sdb.GetBalance(caller.Address)
		if err != nil {
			return err
		}
		if err := s.AccountRead(step, caller.Address, operation.AccountBalance, *balance); err != nil {
			return err
		}
	}
	codeHash, err := s.sdb.GetCodeHash(target)
	if err != nil {
		return err
	}
	if err := s.AccountRead(step, target, operation.AccountCodeHash, hashWord(codeHash)); err != nil {
		return err
	}

	callee := s.newCall(kind)
	callee.CallerID = caller.ID
	callee.Depth = caller.Depth + 1
	callee.CodeAddress = target
	callee.CodeHash = codeHash
	callee.IsStatic = caller.IsStatic || kind == CallKindStaticCall
	callee.CallDataOffset, callee.CallDataLength = argsOffset, argsSize
	callee.ReturnDataOffset, callee.ReturnDataLength = retOffset, retSize
	callee.input, err = exec.ReadMemory(argsOffset, argsSize)
	if err != nil {
		return err
	}
	switch kind {
	case CallKindCall, CallKindStaticCall:
		callee.Address = target
		callee.CallerAddress = caller.Address
		callee.Value = value
	case CallKindCallCode:
		callee.Address = caller.Address
		callee.CallerAddress = caller.Address
		callee.Value = value
	case CallKindDelegateCall:
		callee.Address = caller.Address
		callee.CallerAddress = caller.CallerAddress
		callee.Value = caller.Value
	}

	entered, err := s.enterCallee(step, steps, caller, callee, post)
	if err != nil {
		return err
	}
	transfers := kind == CallKindCall && !value.IsZero()
	if !entered {
		if transfers && callee.IsSuccess {
			if err := s.transfer(step, caller, caller.Address, target, &value); err != nil {
				return err
			}
		}
		var ret []byte
		if callee.IsSuccess && isPrecompile(target) {
			if ret, err = returnDataOf(steps, retOffset, retSize); err != nil {
				return err
			}
			for i := range min(retSize, uint64(len(ret))) {
				if err := s.MemoryWrite(step, caller.ID, retOffset+i, ret[i]); err != nil {
					return err
				}
			}
		}
		return s.setLastCallee(step, caller, callee, 0, ret)
	}

	if transfers {
		if err := s.transfer(step, callee, caller.Address, target, &value); err != nil {
			return err
		}
	}
	if err := s.saveCaller(step, caller, exec, pops); err != nil {
		return err
	}
	if err := s.callContextReads(step, callee, calleeContextFields...); err != nil {
		return err
	}
	s.pushCall(callee)
	s.logger.Trace("[bus-mapping] enter call", "kind", kind, "call", callee.ID, "depth", callee.Depth, "address", callee.Address)
	return nil
}

// createAborted reports whether a CREATE failed before touching any state:
// the creator is already at the maximum call depth or cannot afford the
// endowment. Such a create leaves the creator's nonce unchanged.
func (s *CircuitInputStateRef) createAborted(steps []tracer.ExecStep, caller *Call, value *uint256.Int, post tracer.Stack) (bool, error) {
	result, _ := post.Last()
	if entersCallee(steps) || !result.IsZero() {
		return false, nil
	}
	if caller.Depth+1 > maxCallDepth {
		return true, nil
	}
	balance, err := s.sdb.GetBalance(caller.Address)
	if err != nil {
		return false, err
	}
	return balance.Lt(value), nil
}

// handleCreate covers CREATE and CREATE2.
func handleCreate(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	kind := callKindOf(exec.Op)
	pops := 3
	if kind == CallKindCreate2 {
		pops = 4
	}
	words, err := stackReads(s, step, exec, pops)
	if err != nil {
		return err
	}
	caller := s.Call()
	err = s.callContextReads(step, caller,
		operation.TxID, operation.IsStatic, operation.Depth, operation.CalleeAddress, operation.IsPersistent)
	if err != nil {
		return err
	}
	value := words[0]
	off, n, err := memoryRange(&words[1], &words[2])
	if err != nil {
		return err
	}
	initCode, err := exec.ReadMemory(off, n)
	if err != nil {
		return err
	}
	for i, b := range initCode {
		if err := s.MemoryRead(step, caller.ID, off+uint64(i), b); err != nil {
			return err
		}
	}

	post, err := stackPushes(s, step, steps, pops, 1)
	if err != nil {
		return err
	}
	aborted, err := s.createAborted(steps, caller, &value, post)
	if err != nil {
		return err
	}
	nonce, err := s.sdb.GetNonce(caller.Address)
	if err != nil {
		return err
	}
	if !aborted {
		if err := s.AccountWrite(step, caller, caller.Address, operation.AccountNonce, u64(nonce+1), u64(nonce)); err != nil {
			return err
		}
	}
	codeHash := crypto.Keccak256Hash(initCode)
	var addr libcommon.Address
	if kind == CallKindCreate2 {
		addr = crypto.CreateAddress2(caller.Address, words[3].Bytes32(), codeHash.Bytes())
	} else {
		addr = crypto.CreateAddress(caller.Address, nonce)
	}
	if !aborted {
		if err := s.accountAccess(step, caller, addr); err != nil {
			return err
		}
	}

	callee := s.newCall(kind)
	callee.IsCreate = true
	callee.CallerID = caller.ID
	callee.Depth = caller.Depth + 1
	callee.CallerAddress = caller.Address
	callee.Address = addr
	callee.CodeAddress = addr
	callee.CodeHash = codeHash
	callee.Value = value
	callee.IsStatic = caller.IsStatic
	callee.input = initCode

	entered, err := s.enterCallee(step, steps, caller, callee, post)
	if err != nil {
		return err
	}
	if entered {
		result, _ := post.Last()
		if callee.IsSuccess && wordAddr(&result) != addr {
			return fmt.Errorf("%w: %s pushed %s, expected %x", ErrTraceMalformed, exec.Op, result.Hex(), addr)
		}
	}
	// The new account's nonce and endowment are written on behalf of the
	// callee frame when it runs, or of the creator when it does not.
	owner := caller
	if entered {
		owner = callee
	}
	if entered || callee.IsSuccess {
		if err := s.AccountWrite(step, owner, addr, operation.AccountNonce, u64(1), u64(0)); err != nil {
			return err
		}
		if !value.IsZero() {
			if err := s.transfer(step, owner, caller.Address, addr, &value); err != nil {
				return err
			}
		}
	}
	if !entered {
		return s.setLastCallee(step, caller, callee, 0, nil)
	}
	if err := s.saveCaller(step, caller, exec, pops); err != nil {
		return err
	}
	if err := s.callContextReads(step, callee, calleeContextFields...); err != nil {
		return err
	}
	s.pushCall(callee)
	s.logger.Trace("[bus-mapping] enter create", "kind", kind, "call", callee.ID, "depth", callee.Depth, "address", addr)
	return nil
}
