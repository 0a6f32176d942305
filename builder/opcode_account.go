package builder

import (
	"github.com/erigontech/erigon/core/vm"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

// handleAccountAccess covers BALANCE, EXTCODESIZE and EXTCODEHASH: the
// account is warmed before its field is read.
func handleAccountAccess(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 1)
	if err != nil {
		return err
	}
	call := s.Call()
	if err := s.callContextReads(step, call, operation.TxID); err != nil {
		return err
	}
	addr := wordAddr(&words[0])
	if err := s.accountAccess(step, call, addr); err != nil {
		return err
	}
	post, err := postStack(steps, 1, 1)
	if err != nil {
		return err
	}
	result, _ := post.Last()
	switch exec.Op {
	case vm.BALANCE:
		err = s.AccountRead(step, addr, operation.AccountBalance, result)
	case vm.EXTCODEHASH:
		err = s.AccountRead(step, addr, operation.AccountCodeHash, result)
	default:
		hash, herr := s.sdb.GetCodeHash(addr)
		if herr != nil {
			return herr
		}
		err = s.AccountRead(step, addr, operation.AccountCodeHash, hashWord(hash))
	}
	if err != nil {
		return err
	}
	_, err = stackPushes(s, step, steps, 1, 1)
	return err
}

func handleExtCodeCopy(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	exec := &steps[0]
	words, err := stackReads(s, step, exec, 4)
	if err != nil {
		return err
	}
	call := s.Call()
	if err := s.callContextReads(step, call, operation.TxID); err != nil {
		return err
	}
	addr := wordAddr(&words[0])
	if err := s.accountAccess(step, call, addr); err != nil {
		return err
	}
	hash, err := s.sdb.GetCodeHash(addr)
	if err != nil {
		return err
	}
	if err := s.AccountRead(step, addr, operation.AccountCodeHash, hashWord(hash)); err != nil {
		return err
	}
	dst, n, err := memoryRange(&words[1], &words[3])
	if err != nil {
		return err
	}
	code, err := s.sdb.GetCode(addr)
	if err != nil {
		return err
	}
	return copyToMemory(s, step, code, dst, saturatingU64(&words[2]), n)
}
