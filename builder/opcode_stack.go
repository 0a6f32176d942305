package builder

import (
	"fmt"

	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/tracer"
)

func requireStack(exec *tracer.ExecStep, n int) error {
	if exec.Stack.Len() < n {
		return fmt.Errorf("%w: stack underflow: %s needs %d items, have %d", ErrTraceMalformed, exec.Op, n, exec.Stack.Len())
	}
	return nil
}

// stackReads reads the top n words of the pre-step stack, top first.
func stackReads(s *CircuitInputStateRef, step *Step, exec *tracer.ExecStep, n int) ([]uint256.Int, error) {
	if err := requireStack(exec, n); err != nil {
		return nil, err
	}
	words := make([]uint256.Int, n)
	for i := 0; i < n; i++ {
		v, err := exec.Stack.NthLast(i)
		if err != nil {
			return nil, err
		}
		if err := s.StackRead(step, exec.Stack.NthLastFilled(i), v); err != nil {
			return nil, err
		}
		words[i] = v
	}
	return words, nil
}

// stackPushes writes the pushed words of the post-step stack, top first,
// and returns that stack.
func stackPushes(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep, pops, pushes int) (tracer.Stack, error) {
	post, err := postStack(steps, pops, pushes)
	if err != nil {
		return nil, err
	}
	for i := 0; i < pushes; i++ {
		v, err := post.NthLast(i)
		if err != nil {
			return nil, err
		}
		if err := s.StackWrite(step, post.NthLastFilled(i), v); err != nil {
			return nil, err
		}
	}
	return post, nil
}

// stackOnly handles opcodes whose only side effect is on the stack.
func stackOnly(pops, pushes int) opcodeHandler {
	return func(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
		if _, err := stackReads(s, step, &steps[0], pops); err != nil {
			return err
		}
		if pushes == 0 {
			return nil
		}
		_, err := stackPushes(s, step, steps, pops, pushes)
		return err
	}
}

func dup(n int) opcodeHandler {
	return func(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
		exec := &steps[0]
		if err := requireStack(exec, n); err != nil {
			return err
		}
		v, err := exec.Stack.NthLast(n - 1)
		if err != nil {
			return err
		}
		if err := s.StackRead(step, exec.Stack.NthLastFilled(n-1), v); err != nil {
			return err
		}
		_, err = stackPushes(s, step, steps, 0, 1)
		return err
	}
}

func swap(n int) opcodeHandler {
	return func(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
		exec := &steps[0]
		if err := requireStack(exec, n+1); err != nil {
			return err
		}
		for _, i := range []int{n, 0} {
			v, _ := exec.Stack.NthLast(i)
			if err := s.StackRead(step, exec.Stack.NthLastFilled(i), v); err != nil {
				return err
			}
		}
		post, err := postStack(steps, 0, 0)
		if err != nil {
			return err
		}
		for _, i := range []int{n, 0} {
			v, _ := post.NthLast(i)
			if err := s.StackWrite(step, post.NthLastFilled(i), v); err != nil {
				return err
			}
		}
		return nil
	}
}

// handleCallContextPush pushes a field of the current call or transaction.
func handleCallContextPush(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	call := s.Call()
	var field operation.CallContextField
	switch steps[0].Op {
	case vm.ADDRESS:
		field = operation.CalleeAddress
	case vm.CALLER:
		field = operation.CallerAddress
	case vm.CALLVALUE:
		field = operation.Value
	case vm.CALLDATASIZE:
		field = operation.CallDataLength
	case vm.RETURNDATASIZE:
		field = operation.LastCalleeReturnDataLength
	case vm.CODESIZE:
		field = operation.CodeHash
	default:
		// ORIGIN and GASPRICE are transaction fields looked up by id.
		field = operation.TxID
	}
	if err := s.callContextReads(step, call, field); err != nil {
		return err
	}
	_, err := stackPushes(s, step, steps, 0, 1)
	return err
}

func handleSelfBalance(s *CircuitInputStateRef, step *Step, steps []tracer.ExecStep) error {
	call := s.Call()
	if err := s.callContextReads(step, call, operation.CalleeAddress); err != nil {
		return err
	}
	post, err := postStack(steps, 0, 1)
	if err != nil {
		return err
	}
	balance, _ := post.Last()
	if err := s.AccountRead(step, call.Address, operation.AccountBalance, balance); err != nil {
		return err
	}
	_, err = stackPushes(s, step, steps, 0, 1)
	return err
}
