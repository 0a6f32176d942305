package builder

import (
	"fmt"

	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

// maxMemoryRange bounds a single memory access. Anything larger could not
// have been paid for with a block's gas.
const maxMemoryRange = 1 << 25

// memoryRange converts an offset/size pair of stack words. A zero size
// yields an empty range whatever the offset.
func memoryRange(offset, size *uint256.Int) (uint64, uint64, error) {
	if size.IsZero() {
		return 0, 0, nil
	}
	if !offset.IsUint64() || !size.IsUint64() {
		return 0, 0, fmt.Errorf("%w: memory range %s+%s out of bounds", ErrTraceMalformed, offset.Hex(), size.Hex())
	}
	off, n := offset.Uint64(), size.Uint64()
	if n > maxMemoryRange || off+n < off {
		return 0, 0, fmt.Errorf("%w: memory range %d+%d out of bounds", ErrTraceMalformed, off, n)
	}
	return off, n, nil
}

func handleMload(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 1)
	if err != nil {
		return err
	}
	off, _, err := memoryRange(&words[0], uint256.NewInt(32))
	if err != nil {
		return err
	}
	word, err := exec.ReadMemory(off, 32)
	if err != nil {
		return err
	}
	callID := s.Call().ID
	for i, b := range word {
		if err := s.MemoryRead(step, callID, off+uint64(i), b); err != nil {
			return err
		}
	}
	_, err = stackPushes(s, step, steps, 1, 1)
	return err
}

// handleMstore covers MSTORE and MSTORE8.
func handleMstore(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 2)
	if err != nil {
		return err
	}
	callID := s.Call().ID
	if exec.Op == vm.MSTORE8 {
		off, _, err := memoryRange(&words[0], uint256.NewInt(1))
		if err != nil {
			return err
		}
		return s.MemoryWrite(step, callID, off, byte(words[1].Uint64()))
	}
	off, _, err := memoryRange(&words[0], uint256.NewInt(32))
	if err != nil {
		return err
	}
	value := words[1].Bytes32()
	for i, b := range value {
		if err := s.MemoryWrite(step, callID, off+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

func handleMcopy(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 3)
	if err != nil {
		return err
	}
	dst, n, err := memoryRange(&words[0], &words[2])
	if err != nil {
		return err
	}
	src, _, err := memoryRange(&words[1], &words[2])
	if err != nil {
		return err
	}
	data, err := exec.ReadMemory(src, n)
	if err != nil {
		return err
	}
	callID := s.Call().ID
	for i, b := range data {
		if err := s.MemoryRead(step, callID, src+uint64(i), b); err != nil {
			return err
		}
	}
	for i, b := range data {
		if err := s.MemoryWrite(step, callID, dst+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

func handleKeccak(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
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
	callID := s.Call().ID
	for i, b := range data {
		if err := s.MemoryRead(step, callID, off+uint64(i), b); err != nil {
			return err
		}
	}
	_, err = stackPushes(s, step, steps, 2, 1)
	return err
}

// callDataReads emits the call-context lookups every call data access
// starts with.
func callDataReads(s *CircuitInputStateRef, step *Step, call *Call) error {
	fields := []operation.CallContextField{operation.CallDataLength, operation.CallDataOffset}
	if !call.IsRoot {
		fields = append(fields, operation.CallerID)
	}
	return s.callContextReads(step, call, fields...)
}

func handleCallDataLoad(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 1)
	if err != nil {
		return err
	}
	call := s.Call()
	if err := callDataReads(s, step, call); err != nil {
		return err
	}
	// Only a sub-call reads its input from the caller's memory.
	if !call.IsRoot && words[0].IsUint64() {
		off := words[0].Uint64()
		for i := uint64(0); i < 32 && off+i < uint64(len(call.input)) && off+i >= off; i++ {
			addr := call.CallDataOffset + off + i
			if err := s.MemoryRead(step, call.CallerID, addr, call.input[off+i]); err != nil {
				return err
			}
		}
	}
	_, err = stackPushes(s, step, steps, 1, 1)
	return err
}

func handleCallDataCopy(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 3)
	if err != nil {
		return err
	}
	call := s.Call()
	if err := callDataReads(s, step, call); err != nil {
		return err
	}
	dst, n, err := memoryRange(&words[0], &words[2])
	if err != nil {
		return err
	}
	var src uint64
	if words[1].IsUint64() {
		src = words[1].Uint64()
	} else {
		src = ^uint64(0)
	}
	for i := uint64(0); i < n; i++ {
		var b byte
		inRange := src+i >= src && src+i < uint64(len(call.input))
		if inRange {
			b = call.input[src+i]
			if !call.IsRoot {
				if err := s.MemoryRead(step, call.CallerID, call.CallDataOffset+src+i, b); err != nil {
					return err
				}
			}
		}
		if err := s.MemoryWrite(step, call.ID, dst+i, b); err != nil {
			return err
		}
	}
	return nil
}

// copyToMemory writes data[src:src+n] into memory at dst, zero padded past
// the end of data.
func copyToMemory(s *CircuitInputStateRef, step *Step, data []byte, dst, src, n uint64) error {
	callID := s.Call().ID
	for i := uint64(0); i < n; i++ {
		var b byte
		if src+i >= src && src+i < uint64(len(data)) {
			b = data[src+i]
		}
		if err := s.MemoryWrite(step, callID, dst+i, b); err != nil {
			return err
		}
	}
	return nil
}

func saturatingU64(w *uint256.Int) uint64 {
	if w.IsUint64() {
		return w.Uint64()
	}
	return ^uint64(0)
}

func handleCodeCopy(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 3)
	if err != nil {
		return err
	}
	call := s.Call()
	if err := s.callContextReads(step, call, operation.CodeHash); err != nil {
		return err
	}
	dst, n, err := memoryRange(&words[0], &words[2])
	if err != nil {
		return err
	}
	code := call.input
	if !call.IsCreate {
		if code, err = s.sdb.GetCode(call.CodeAddress); err != nil {
			return err
		}
	}
	return copyToMemory(s, step, code, dst, saturatingU64(&words[1]), n)
}

func handleReturnDataCopy(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 3)
	if err != nil {
		return err
	}
	call := s.Call()
	err = s.callContextReads(step, call,
		operation.LastCalleeID, operation.LastCalleeReturnDataOffset, operation.LastCalleeReturnDataLength)
	if err != nil {
		return err
	}
	dst, n, err := memoryRange(&words[0], &words[2])
	if err != nil {
		return err
	}
	src := saturatingU64(&words[1])
	if end := src + n; end < src || end > uint64(len(call.lastReturnData)) {
		return fmt.Errorf("%w: return data copy %d+%d past %d bytes", ErrTraceMalformed, src, n, len(call.lastReturnData))
	}
	return copyToMemory(s, step, call.lastReturnData, dst, src, n)
}
