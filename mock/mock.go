// Package mock builds block descriptors, prestates and struct-log traces by
// hand for tests.
package mock

import (
	"slices"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/tracer"
)

var (
	Sender   = libcommon.HexToAddress("0x00000000000000000000000000000000000000fe")
	Contract = libcommon.HexToAddress("0x000000000000000000000000000000000000c0de")
	Coinbase = libcommon.HexToAddress("0x00000000000000000000000000000000c0ffee00")
)

const (
	GasLimit = 1_000_000
	GasPrice = 10
	BaseFee  = 7
	// GasUsed is the gas usage reported by traces built with Trace.
	GasUsed = 21_000
)

// SenderBalance funds Sender in Prestate.
var SenderBalance = uint256.NewInt(1_000_000_000_000_000_000)

func Block() tracer.BlockDescriptor {
	return tracer.BlockDescriptor{
		Number:    1,
		Timestamp: 1_700_000_000,
		BaseFee:   *uint256.NewInt(BaseFee),
		Coinbase:  Coinbase,
		GasLimit:  30_000_000,
		ChainID:   1,
	}
}

// Tx is a call from Sender to Contract.
func Tx() tracer.TxDescriptor {
	to := Contract
	return tracer.TxDescriptor{
		From:     Sender,
		To:       &to,
		GasLimit: GasLimit,
		GasPrice: *uint256.NewInt(GasPrice),
	}
}

// CreateTx is a contract creation by Sender.
func CreateTx(initCode []byte) tracer.TxDescriptor {
	tx := Tx()
	tx.To = nil
	tx.CallData = initCode
	return tx
}

// Prestate funds Sender and deploys code at Contract.
func Prestate(code []byte) map[libcommon.Address]*tracer.Account {
	return map[libcommon.Address]*tracer.Account{
		Sender:   {Balance: *SenderBalance},
		Contract: {Code: code, Storage: map[libcommon.Hash]libcommon.Hash{}},
	}
}

// BlockTrace bundles the default block and prestate with txs.
func BlockTrace(code []byte, txs ...tracer.Transaction) *tracer.BlockTrace {
	return &tracer.BlockTrace{
		Block:        Block(),
		Prestate:     Prestate(code),
		Transactions: txs,
	}
}

// Word converts v to a stack word.
func Word(v uint64) uint256.Int { return *uint256.NewInt(v) }

// =============================================================================
// TRACE BUILDER
// =============================================================================

type frame struct {
	stack  tracer.Stack
	memory []byte
	pc     uint64
}

// TraceBuilder records struct-log steps while keeping the pre-step stack
// and memory snapshots of every frame consistent. Each method appends the
// step first and then applies its effect, so snapshots always describe the
// machine before the instruction.
type TraceBuilder struct {
	steps   []tracer.ExecStep
	parents []frame
	stack   tracer.Stack
	memory  []byte
	depth   int
	pc      uint64
	gas     uint64
	refund  uint64
	storage map[libcommon.Hash]libcommon.Hash
}

// NewTrace starts a trace at depth 1, as geth style struct loggers report
// the root call.
func NewTrace() *TraceBuilder {
	return &TraceBuilder{depth: 1, gas: GasLimit - 21_000}
}

func (b *TraceBuilder) record(op vm.OpCode, size uint64) *tracer.ExecStep {
	step := tracer.ExecStep{
		PC:         b.pc,
		Op:         op,
		Gas:        b.gas,
		GasCost:    3,
		Depth:      b.depth,
		Stack:      slices.Clone(b.stack),
		Memory:     slices.Clone(b.memory),
		MemorySize: len(b.memory),
		Refund:     b.refund,
	}
	if b.storage != nil {
		step.Storage = b.storage
		b.storage = nil
	}
	b.steps = append(b.steps, step)
	b.pc += size
	b.gas -= 3
	return &b.steps[len(b.steps)-1]
}

func (b *TraceBuilder) pop(n int) {
	b.stack = b.stack[:len(b.stack)-min(n, len(b.stack))]
}

// Push emits the smallest PUSH that fits v.
func (b *TraceBuilder) Push(v uint64) *TraceBuilder {
	w := Word(v)
	n := (w.BitLen() + 7) / 8
	if n == 0 {
		b.record(vm.PUSH0, 1)
	} else {
		b.record(vm.PUSH1+vm.OpCode(n-1), uint64(n)+1)
	}
	b.stack = append(b.stack, w)
	return b
}

// PushWord emits a PUSH32.
func (b *TraceBuilder) PushWord(w uint256.Int) *TraceBuilder {
	b.record(vm.PUSH32, 33)
	b.stack = append(b.stack, w)
	return b
}

// Op emits op, pops words and pushes results, the last result ending on
// top. Popping more than the stack holds empties it, which is how tests
// produce underflowing traces.
func (b *TraceBuilder) Op(op vm.OpCode, pops int, results ...uint64) *TraceBuilder {
	b.record(op, 1)
	b.pop(pops)
	for _, r := range results {
		b.stack = append(b.stack, Word(r))
	}
	return b
}

// OpWord is Op with full width results.
func (b *TraceBuilder) OpWord(op vm.OpCode, pops int, results ...uint256.Int) *TraceBuilder {
	b.record(op, 1)
	b.pop(pops)
	b.stack = append(b.stack, results...)
	return b
}

func (b *TraceBuilder) Dup(n int) *TraceBuilder {
	b.record(vm.DUP1+vm.OpCode(n-1), 1)
	b.stack = append(b.stack, b.stack[len(b.stack)-n])
	return b
}

func (b *TraceBuilder) Swap(n int) *TraceBuilder {
	b.record(vm.SWAP1+vm.OpCode(n-1), 1)
	top := len(b.stack) - 1
	b.stack[top], b.stack[top-n] = b.stack[top-n], b.stack[top]
	return b
}

// WriteMemory changes memory as seen by the following steps, expanding it
// in 32 byte words.
func (b *TraceBuilder) WriteMemory(offset uint64, data []byte) *TraceBuilder {
	end := offset + uint64(len(data))
	if size := (end + 31) / 32 * 32; size > uint64(len(b.memory)) {
		b.memory = append(b.memory, make([]byte, size-uint64(len(b.memory)))...)
	}
	copy(b.memory[offset:], data)
	return b
}

// Storage attaches a storage snapshot entry to the next recorded step, the
// way struct loggers report the slot an SLOAD or SSTORE touches.
func (b *TraceBuilder) Storage(key, value uint64) *TraceBuilder {
	if b.storage == nil {
		b.storage = make(map[libcommon.Hash]libcommon.Hash)
	}
	k, v := Word(key), Word(value)
	b.storage[k.Bytes32()] = v.Bytes32()
	return b
}

// Refund sets the refund counter reported from the next step on.
func (b *TraceBuilder) Refund(r uint64) *TraceBuilder {
	b.refund = r
	return b
}

// Fail marks the last recorded step as failed.
func (b *TraceBuilder) Fail(msg string) *TraceBuilder {
	b.steps[len(b.steps)-1].Error = msg
	return b
}

// Enter moves into a sub-call frame with an empty stack and memory.
func (b *TraceBuilder) Enter() *TraceBuilder {
	b.parents = append(b.parents, frame{stack: b.stack, memory: b.memory, pc: b.pc})
	b.stack, b.memory, b.pc = nil, nil, 0
	b.depth++
	return b
}

// Leave returns to the caller frame and pushes the call result.
func (b *TraceBuilder) Leave(result uint256.Int) *TraceBuilder {
	parent := b.parents[len(b.parents)-1]
	b.parents = b.parents[:len(b.parents)-1]
	b.stack, b.memory, b.pc = parent.stack, parent.memory, parent.pc
	b.depth--
	b.stack = append(b.stack, result)
	return b
}

// Steps returns the recorded steps.
func (b *TraceBuilder) Steps() []tracer.ExecStep { return b.steps }

// Trace seals the steps into a transaction trace. The failed flag is
// derived from how the root frame ends.
func (b *TraceBuilder) Trace() *tracer.TxTrace {
	trace := &tracer.TxTrace{Gas: GasUsed, StructLogs: b.steps}
	if n := len(b.steps); n > 0 {
		last := b.steps[n-1]
		switch {
		case last.Error != "":
			trace.Failed = true
		case last.Op == vm.STOP || last.Op == vm.RETURN || last.Op == vm.SELFDESTRUCT:
		default:
			trace.Failed = true
		}
	}
	return trace
}

// Transaction pairs tx with the trace built so far.
func (b *TraceBuilder) Transaction(tx tracer.TxDescriptor) tracer.Transaction {
	return tracer.Transaction{TxDescriptor: tx, Trace: *b.Trace()}
}
