package builder

import (
	"context"
	"errors"
	"testing"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/crypto"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erigon-bus-mapping/mock"
	"erigon-bus-mapping/operation"
	"erigon-bus-mapping/statedb"
	"erigon-bus-mapping/tracer"
)

var callee = libcommon.HexToAddress("0x00000000000000000000000000000000000000bb")

func newBuilder(t *testing.T, cfg Config, prestate map[libcommon.Address]*tracer.Account) *Builder {
	t.Helper()
	b, err := New(cfg, mock.Block(), statedb.FromPrestate(prestate), nil)
	require.NoError(t, err)
	return b
}

// buildTx builds a single transaction block and returns the builder with it,
// so tests can inspect the final state.
func buildTx(t *testing.T, cfg Config, prestate map[libcommon.Address]*tracer.Account, desc tracer.TxDescriptor, trace *tracer.TxTrace) (*Builder, *Block, error) {
	t.Helper()
	b := newBuilder(t, cfg, prestate)
	if err := b.HandleTx(&desc, trace); err != nil {
		block, ferr := b.Finalize()
		require.Nil(t, block)
		require.Equal(t, err, ferr)
		return b, nil, err
	}
	block, err := b.Finalize()
	return b, block, err
}

func opsOf(t *testing.T, block *Block, step Step) []operation.Row {
	t.Helper()
	rows := make([]operation.Row, len(step.BusMappingInstance))
	for i, ref := range step.BusMappingInstance {
		row, ok := block.Container.Get(ref)
		require.True(t, ok, "dangling ref %s", ref)
		rows[i] = row
	}
	return rows
}

func targetsOf(rows []operation.Row) []operation.Target {
	out := make([]operation.Target, len(rows))
	for i, r := range rows {
		out[i] = r.Ref.Target
	}
	return out
}

func jumpiTrace() *tracer.TxTrace {
	return mock.NewTrace().
		Push(1).
		Push(69).
		Op(vm.JUMPI, 2).
		Op(vm.JUMPDEST, 0).
		Op(vm.STOP, 0).
		Trace()
}

// callTrace calls callee with no value and no data; fn fills in the callee
// frame and returns the call result.
func callTrace(fn func(tb *mock.TraceBuilder) uint64) *tracer.TxTrace {
	tb := mock.NewTrace()
	for _, v := range []uint64{0, 0, 0, 0, 0} {
		tb.Push(v)
	}
	tb.Push(0xbb).Push(5000).Op(vm.CALL, 7).Enter()
	result := fn(tb)
	return tb.Leave(mock.Word(result)).
		Op(vm.POP, 1).
		Op(vm.STOP, 0).
		Trace()
}

func TestJumpiMatchesReferenceBuilder(t *testing.T) {
	trace := jumpiTrace()
	desc := mock.Tx()

	_, got, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), desc, trace)
	require.NoError(t, err)

	ref := newBuilder(t, DefaultConfig(), mock.Prestate(nil))
	s, err := ref.NewTx(&desc, trace)
	require.NoError(t, err)
	require.NoError(t, s.BeginTx())
	require.NoError(t, s.HandleStep(0))
	require.NoError(t, s.HandleStep(1))

	exec := &trace.StructLogs[2]
	require.NoError(t, s.checkDepth(exec))
	step := s.NewStep(exec)
	require.NoError(t, s.StackRead(step, 1022, mock.Word(69)))
	require.NoError(t, s.StackRead(step, 1023, mock.Word(1)))
	s.tx.Steps = append(s.tx.Steps, *step)

	require.NoError(t, s.HandleStep(3))
	require.NoError(t, s.HandleStep(4))
	require.NoError(t, s.EndTx())
	want, err := ref.Finalize()
	require.NoError(t, err)

	assert.Equal(t, want.Txs[0].Steps[2].BusMappingInstance, got.Txs[0].Steps[2].BusMappingInstance)
	assert.True(t, want.Container.Equal(got.Container), want.Container.Diff(got.Container))
	assert.Equal(t, want.Txs, got.Txs)

	rootID := got.Txs[0].Calls[0].ID
	rows := opsOf(t, got, got.Txs[0].Steps[2])
	require.Len(t, rows, 2)
	assert.Equal(t, operation.READ, rows[0].RW)
	assert.Equal(t, operation.StackOp{CallID: rootID, Address: 1022, Value: mock.Word(69)}, rows[0].Op)
	assert.Equal(t, operation.READ, rows[1].RW)
	assert.Equal(t, operation.StackOp{CallID: rootID, Address: 1023, Value: mock.Word(1)}, rows[1].Op)
	assert.Equal(t, rows[0].RWC+1, rows[1].RWC)
}

func TestJumpiStackUnderflow(t *testing.T) {
	trace := mock.NewTrace().
		Push(1).
		Op(vm.JUMPI, 2).
		Op(vm.STOP, 0).
		Trace()
	require.Len(t, trace.StructLogs[1].Stack, 1)

	b, block, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), mock.Tx(), trace)
	require.Error(t, err)
	assert.Nil(t, block)
	assert.ErrorIs(t, err, ErrTraceMalformed)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 0, stepErr.TxIndex)
	assert.Equal(t, 1, stepErr.StepIndex)
	assert.Equal(t, vm.JUMPI, stepErr.Op)
	assert.Contains(t, err.Error(), "tx 0: step 1 (JUMPI)")

	// Poisoned: later calls keep failing with the first error.
	desc := mock.Tx()
	assert.Equal(t, err, b.HandleTx(&desc, jumpiTrace()))
	assert.Equal(t, err, b.Err())
}

func TestRWCounterIsContiguous(t *testing.T) {
	prestate := mock.Prestate(nil)
	prestate[callee] = &tracer.Account{Storage: map[libcommon.Hash]libcommon.Hash{}}

	bt := &tracer.BlockTrace{
		Block:    mock.Block(),
		Prestate: prestate,
		Transactions: []tracer.Transaction{
			{TxDescriptor: mock.Tx(), Trace: *jumpiTrace()},
			{TxDescriptor: withNonce(mock.Tx(), 1), Trace: *callTrace(func(tb *mock.TraceBuilder) uint64 {
				tb.Push(9).Push(5).Storage(5, 9).Op(vm.SSTORE, 2).Op(vm.STOP, 0)
				return 1
			})},
			{TxDescriptor: withNonce(mock.Tx(), 2), Trace: *logTrace()},
		},
	}
	block, err := BuildBlock(DefaultConfig(), bt, nil)
	require.NoError(t, err)
	require.Len(t, block.Txs, 3)

	rows := block.Container.Rows()
	require.Equal(t, block.Container.Len(), len(rows))
	for i, r := range rows {
		require.Equal(t, i+1, r.RWC)
	}

	total := 0
	last := 0
	for _, tx := range block.Txs {
		for _, step := range tx.AllSteps() {
			require.GreaterOrEqual(t, step.RWCounter, last)
			last = step.RWCounter
			for j, ref := range step.BusMappingInstance {
				row, ok := block.Container.Get(ref)
				require.True(t, ok)
				assert.Equal(t, step.RWCounter+j, row.RWC)
			}
			total += len(step.BusMappingInstance)
		}
	}
	assert.Equal(t, block.Container.Len(), total)
}

func withNonce(tx tracer.TxDescriptor, nonce uint64) tracer.TxDescriptor {
	tx.Nonce = nonce
	return tx
}

func TestBuildIsDeterministic(t *testing.T) {
	bt := func() *tracer.BlockTrace {
		return mock.BlockTrace(nil,
			mock.NewTrace().Push(1).Push(69).Op(vm.JUMPI, 2).Op(vm.JUMPDEST, 0).Op(vm.STOP, 0).Transaction(mock.Tx()),
			tracer.Transaction{TxDescriptor: withNonce(mock.Tx(), 1), Trace: *logTrace()},
		)
	}
	a, err := BuildBlock(DefaultConfig(), bt(), nil)
	require.NoError(t, err)
	b, err := BuildBlock(DefaultConfig(), bt(), nil)
	require.NoError(t, err)

	assert.True(t, a.Container.Equal(b.Container), a.Container.Diff(b.Container))
	assert.Equal(t, a.Txs, b.Txs)
}

func TestStackOnlyArity(t *testing.T) {
	tests := []struct {
		name   string
		op     vm.OpCode
		pops   int
		pushes int
	}{
		{name: "ADD", op: vm.ADD, pops: 2, pushes: 1},
		{name: "SIGNEXTEND", op: vm.SIGNEXTEND, pops: 2, pushes: 1},
		{name: "EXP", op: vm.EXP, pops: 2, pushes: 1},
		{name: "SHL", op: vm.SHL, pops: 2, pushes: 1},
		{name: "BYTE", op: vm.BYTE, pops: 2, pushes: 1},
		{name: "ADDMOD", op: vm.ADDMOD, pops: 3, pushes: 1},
		{name: "MULMOD", op: vm.MULMOD, pops: 3, pushes: 1},
		{name: "ISZERO", op: vm.ISZERO, pops: 1, pushes: 1},
		{name: "NOT", op: vm.NOT, pops: 1, pushes: 1},
		{name: "POP", op: vm.POP, pops: 1, pushes: 0},
		{name: "JUMP", op: vm.JUMP, pops: 1, pushes: 0},
		{name: "JUMPI", op: vm.JUMPI, pops: 2, pushes: 0},
		{name: "JUMPDEST", op: vm.JUMPDEST, pops: 0, pushes: 0},
		{name: "PC", op: vm.PC, pops: 0, pushes: 1},
		{name: "MSIZE", op: vm.MSIZE, pops: 0, pushes: 1},
		{name: "GAS", op: vm.GAS, pops: 0, pushes: 1},
		{name: "COINBASE", op: vm.COINBASE, pops: 0, pushes: 1},
		{name: "CHAINID", op: vm.CHAINID, pops: 0, pushes: 1},
		{name: "BASEFEE", op: vm.BASEFEE, pops: 0, pushes: 1},
		{name: "BLOCKHASH", op: vm.BLOCKHASH, pops: 1, pushes: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := mock.NewTrace()
			// One spare word keeps the op away from the stack bottom.
			for i := 0; i <= tt.pops; i++ {
				tb.Push(uint64(i + 1))
			}
			results := make([]uint64, tt.pushes)
			for i := range results {
				results[i] = 42
			}
			trace := tb.Op(tt.op, tt.pops, results...).Op(vm.STOP, 0).Trace()

			_, block, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), mock.Tx(), trace)
			require.NoError(t, err)

			step := block.Txs[0].Steps[tt.pops+1]
			require.Equal(t, tt.op, step.Op)
			rows := opsOf(t, block, step)
			require.Len(t, rows, tt.pops+tt.pushes)

			pre := tt.pops + 1
			post := 1 + tt.pushes
			for i, r := range rows {
				require.Equal(t, operation.TargetStack, r.Ref.Target)
				op := r.Op.(operation.StackOp)
				if i < tt.pops {
					assert.Equal(t, operation.READ, r.RW)
					assert.Equal(t, tracer.StackAddress(tracer.StackLimit-pre+i), op.Address)
					continue
				}
				j := i - tt.pops
				assert.Equal(t, operation.WRITE, r.RW)
				assert.Equal(t, tracer.StackAddress(tracer.StackLimit-post+j), op.Address)
				assert.Equal(t, mock.Word(42), op.Value)
			}
		})
	}
}

func TestDupAndSwap(t *testing.T) {
	trace := mock.NewTrace().
		Push(1).Push(2).Push(3).
		Dup(3).
		Op(vm.POP, 1).
		Swap(2).
		Op(vm.STOP, 0).
		Trace()
	_, block, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), mock.Tx(), trace)
	require.NoError(t, err)
	tx := block.Txs[0]
	rootID := tx.Calls[0].ID

	dup := opsOf(t, block, tx.Steps[3])
	require.Len(t, dup, 2)
	assert.Equal(t, operation.StackOp{CallID: rootID, Address: 1023, Value: mock.Word(1)}, dup[0].Op)
	assert.Equal(t, operation.READ, dup[0].RW)
	assert.Equal(t, operation.StackOp{CallID: rootID, Address: 1020, Value: mock.Word(1)}, dup[1].Op)
	assert.Equal(t, operation.WRITE, dup[1].RW)

	swap := opsOf(t, block, tx.Steps[5])
	require.Len(t, swap, 4)
	assert.Equal(t, []operation.Op{
		operation.StackOp{CallID: rootID, Address: 1023, Value: mock.Word(1)},
		operation.StackOp{CallID: rootID, Address: 1021, Value: mock.Word(3)},
		operation.StackOp{CallID: rootID, Address: 1023, Value: mock.Word(3)},
		operation.StackOp{CallID: rootID, Address: 1021, Value: mock.Word(1)},
	}, []operation.Op{swap[0].Op, swap[1].Op, swap[2].Op, swap[3].Op})
	assert.Equal(t, []operation.RW{operation.READ, operation.READ, operation.WRITE, operation.WRITE},
		[]operation.RW{swap[0].RW, swap[1].RW, swap[2].RW, swap[3].RW})
}

func TestBuilderStateMachine(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), mock.Prestate(nil))
	desc := mock.Tx()
	trace := jumpiTrace()

	s, err := b.NewTx(&desc, trace)
	require.NoError(t, err)
	assert.ErrorIs(t, s.HandleStep(0), ErrBuilderState)
	assert.ErrorIs(t, s.EndTx(), ErrBuilderState)
	_, err = b.NewTx(&desc, trace)
	assert.ErrorIs(t, err, ErrBuilderState)
	_, err = b.Finalize()
	assert.ErrorIs(t, err, ErrBuilderState)

	require.NoError(t, s.BeginTx())
	assert.ErrorIs(t, s.BeginTx(), ErrBuilderState)
	assert.ErrorIs(t, s.HandleStep(len(trace.StructLogs)), ErrBuilderState)
	for i := range trace.StructLogs {
		require.NoError(t, s.HandleStep(i))
	}
	require.NoError(t, s.EndTx())

	block, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, block.Txs, 1)
	_, err = b.Finalize()
	assert.ErrorIs(t, err, ErrBuilderState)
	assert.NoError(t, b.Err())
}

func TestEmptyBlock(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), nil)
	block, err := b.Finalize()
	require.NoError(t, err)
	assert.Empty(t, block.Txs)
	assert.Equal(t, 0, block.Container.Len())
	assert.Equal(t, uint64(1), block.Number)
}

func TestRwLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRWs = 5
	_, block, err := buildTx(t, cfg, mock.Prestate(nil), mock.Tx(), jumpiTrace())
	assert.Nil(t, block)
	assert.ErrorIs(t, err, ErrRwLimitExceeded)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepBeginTx, stepErr.Kind)
}

func TestBeginAndEndTxBalances(t *testing.T) {
	desc := mock.Tx()
	desc.Value = mock.Word(100)
	b, block, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), desc, jumpiTrace())
	require.NoError(t, err)
	tx := block.Txs[0]
	assert.Equal(t, uint64(mock.GasUsed), tx.GasUsed)

	sender, _ := b.sdb.GetBalance(mock.Sender)
	want := new(uint256.Int).Sub(mock.SenderBalance, uint256.NewInt(mock.GasUsed*mock.GasPrice+100))
	assert.Equal(t, want, sender)
	contract, _ := b.sdb.GetBalance(mock.Contract)
	assert.Equal(t, uint256.NewInt(100), contract)
	coinbase, _ := b.sdb.GetBalance(mock.Coinbase)
	assert.Equal(t, uint256.NewInt(mock.GasUsed*(mock.GasPrice-mock.BaseFee)), coinbase)
	nonce, _ := b.sdb.GetNonce(mock.Sender)
	assert.Equal(t, uint64(1), nonce)

	begin := opsOf(t, block, tx.BeginTx)
	assert.Equal(t, tx.Calls[0].ID, tx.BeginTx.RWCounter)
	assert.Contains(t, targetsOf(begin), operation.TargetTxAccessListAccount)

	var receipts []operation.TxReceiptOp
	for _, r := range opsOf(t, block, tx.EndTx) {
		if op, ok := r.Op.(operation.TxReceiptOp); ok {
			receipts = append(receipts, op)
		}
	}
	assert.Equal(t, []operation.TxReceiptOp{
		{TxID: 1, Field: operation.TxReceiptPostStateOrStatus, Value: 1},
		{TxID: 1, Field: operation.TxReceiptLogLength, Value: 0},
		{TxID: 1, Field: operation.TxReceiptCumulativeGasUsed, Value: mock.GasUsed},
	}, receipts)
}

func TestRevertedRootUndoesTransfer(t *testing.T) {
	desc := mock.Tx()
	desc.Value = mock.Word(100)
	trace := mock.NewTrace().
		Push(0).Push(0).
		Op(vm.REVERT, 2).Fail("execution reverted").
		Trace()
	require.True(t, trace.Failed)

	b, block, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), desc, trace)
	require.NoError(t, err)
	root := block.Txs[0].Calls[0]
	assert.False(t, root.IsSuccess)
	assert.NotZero(t, root.RWCounterEndOfReversion)

	contract, _ := b.sdb.GetBalance(mock.Contract)
	assert.True(t, contract.IsZero())
	sender, _ := b.sdb.GetBalance(mock.Sender)
	want := new(uint256.Int).Sub(mock.SenderBalance, uint256.NewInt(mock.GasUsed*mock.GasPrice))
	assert.Equal(t, want, sender)

	receipts := block.Container.TxReceiptOps()
	require.NotEmpty(t, receipts)
	assert.Equal(t, uint64(0), receipts[0].Op.Value)
}

func TestCreateTxDeploysCode(t *testing.T) {
	code := []byte{byte(vm.PUSH1), 0x00}
	trace := mock.NewTrace().
		WriteMemory(0, code).
		Push(uint64(len(code))).
		Push(0).
		Op(vm.RETURN, 2).
		Trace()
	desc := mock.CreateTx([]byte{0x01})

	b, block, err := buildTx(t, DefaultConfig(), mock.Prestate(nil), desc, trace)
	require.NoError(t, err)
	root := block.Txs[0].Calls[0]
	created := crypto.CreateAddress(mock.Sender, 0)
	assert.True(t, root.IsCreate)
	assert.Equal(t, created, root.Address)

	deployed, _ := b.sdb.GetCode(created)
	assert.Equal(t, code, deployed)
	hash, _ := b.sdb.GetCodeHash(created)
	assert.Equal(t, crypto.Keccak256Hash(code), hash)

	var writes []operation.AccountOp
	for _, o := range block.Container.AccountOps() {
		if o.Op.Address == created && o.RW == operation.WRITE {
			writes = append(writes, o.Op)
		}
	}
	require.Len(t, writes, 2)
	assert.Equal(t, operation.AccountNonce, writes[0].Field)
	assert.Equal(t, mock.Word(1), writes[0].Value)
	assert.Equal(t, operation.AccountCodeHash, writes[1].Field)
	assert.Equal(t, hashWord(crypto.Keccak256Hash(code)), writes[1].Value)
}

func TestBuildBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parallelism = 2

	traces := make([]*tracer.BlockTrace, 4)
	for i := range traces {
		traces[i] = mock.BlockTrace(nil, tracer.Transaction{TxDescriptor: mock.Tx(), Trace: *jumpiTrace()})
		traces[i].Block.Number = uint64(i + 1)
	}
	blocks, err := BuildBlocks(context.Background(), cfg, traces, nil)
	require.NoError(t, err)
	require.Len(t, blocks, len(traces))
	for i, block := range blocks {
		assert.Equal(t, uint64(i+1), block.Number)
		assert.True(t, blocks[0].Container.Equal(block.Container))
	}

	broken := mock.NewTrace().Push(1).Op(vm.JUMPI, 2).Op(vm.STOP, 0).Trace()
	traces[2] = mock.BlockTrace(nil, tracer.Transaction{TxDescriptor: mock.Tx(), Trace: *broken})
	blocks, err = BuildBlocks(context.Background(), cfg, traces, nil)
	assert.Nil(t, blocks)
	assert.ErrorIs(t, err, ErrTraceMalformed)
}

func TestBuildBlocksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildBlocks(ctx, DefaultConfig(), []*tracer.BlockTrace{mock.BlockTrace(nil)}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

var errStateWrite = errors.New("state write failed")

// failingState lets the first allowed SetState calls through and fails the
// rest.
type failingState struct {
	*statedb.StateDB
	allowed int
}

func (f *failingState) SetState(addr libcommon.Address, key *libcommon.Hash, value uint256.Int) error {
	if f.allowed == 0 {
		return errStateWrite
	}
	f.allowed--
	return f.StateDB.SetState(addr, key, value)
}

func TestStateWriteErrorsFailTheBlock(t *testing.T) {
	sstore := mock.NewTrace().
		Push(9).
		Push(5).
		Storage(5, 9).Op(vm.SSTORE, 2).
		Op(vm.STOP, 0).
		Trace()
	reverted := callTrace(func(tb *mock.TraceBuilder) uint64 {
		tb.Push(9).
			Push(5).
			Storage(5, 9).Op(vm.SSTORE, 2).
			Push(0).
			Push(0).
			Op(vm.REVERT, 2).Fail("execution reverted")
		return 0
	})
	tests := []struct {
		name     string
		prestate map[libcommon.Address]*tracer.Account
		trace    *tracer.TxTrace
		allowed  int
		step     int
	}{
		{"sstore", mock.Prestate(nil), sstore, 0, 2},
		{"revert", prestateWithCallee(nil), reverted, 1, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sdb := &failingState{StateDB: statedb.FromPrestate(tt.prestate), allowed: tt.allowed}
			b, err := New(DefaultConfig(), mock.Block(), sdb, nil)
			require.NoError(t, err)
			desc := mock.Tx()
			err = b.HandleTx(&desc, tt.trace)
			require.ErrorIs(t, err, errStateWrite)
			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.step, stepErr.StepIndex)

			block, ferr := b.Finalize()
			assert.Nil(t, block)
			assert.ErrorIs(t, ferr, errStateWrite)
		})
	}
}
