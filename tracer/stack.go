package tracer

import (
	"fmt"

	"github.com/holiman/uint256"
)

// StackLimit is the maximum number of words on the EVM stack.
const StackLimit = 1024

// StackAddress is the position of a word on the stack. The stack grows
// downwards from StackLimit, so the first pushed word lives at 1023.
type StackAddress uint16

// MemoryAddress is a byte offset into call memory.
type MemoryAddress uint64

// Stack is a stack snapshot ordered bottom to top, the order struct loggers
// emit it in. All accessors index from the top.
type Stack []uint256.Int

func (s Stack) Len() int { return len(s) }

// Last returns the word on top of the stack.
func (s Stack) Last() (uint256.Int, error) {
	return s.NthLast(0)
}

// NthLast returns the n-th word counting from the top (0 = top).
func (s Stack) NthLast(n int) (uint256.Int, error) {
	if n < 0 || n >= len(s) {
		return uint256.Int{}, fmt.Errorf("%w: stack underflow: need %d items, have %d", ErrTraceMalformed, n+1, len(s))
	}
	return s[len(s)-1-n], nil
}

// LastFilled returns the address of the top word.
func (s Stack) LastFilled() StackAddress {
	return s.NthLastFilled(0)
}

// NthLastFilled returns the address of the n-th word counting from the top.
// The result is only meaningful for n < Len(); for n == Len() it is the
// address the next push would occupy minus one.
func (s Stack) NthLastFilled(n int) StackAddress {
	return StackAddress(StackLimit - len(s) + n)
}

// Validate reports a malformed snapshot.
func (s Stack) Validate() error {
	if len(s) > StackLimit {
		return fmt.Errorf("%w: stack overflow: %d items", ErrTraceMalformed, len(s))
	}
	return nil
}

// Memory is a memory snapshot as captured before the step executes.
type Memory []byte

// ReadRange copies size bytes starting at offset, zero padded.
func (m Memory) ReadRange(offset, size uint64) []byte {
	out := make([]byte, size)
	if offset < uint64(len(m)) {
		copy(out, m[offset:])
	}
	return out
}
