package tracer

import (
	"errors"
	"testing"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon/core/tracing"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	slots  map[libcommon.Hash]uint256.Int
	refund uint64
}

func (f *fakeState) GetState(addr libcommon.Address, key *libcommon.Hash, value *uint256.Int) error {
	v := f.slots[*key]
	value.Set(&v)
	return nil
}

func (f *fakeState) GetRefund() uint64 { return f.refund }

// scopeContext serves the parts of an opcode scope the tracer reads. Other
// methods are left to the embedded nil interface.
type scopeContext struct {
	tracing.OpContext
	memory  []byte
	stack   []uint256.Int
	address libcommon.Address
}

func (c *scopeContext) MemoryData() []byte         { return c.memory }
func (c *scopeContext) StackData() []uint256.Int   { return c.stack }
func (c *scopeContext) Address() libcommon.Address { return c.address }

func TestStateTracerHooks(t *testing.T) {
	contract := libcommon.HexToAddress("0xbb")
	key := libcommon.HexToHash("0x01")
	state := &fakeState{slots: map[libcommon.Hash]uint256.Int{key: *uint256.NewInt(42)}}
	st := NewStateTracer(state, nil)
	hooks := st.Hooks()
	require.NotNil(t, hooks.OnOpcode)
	require.NotNil(t, hooks.OnFault)
	require.NotNil(t, hooks.OnExit)

	scope := &scopeContext{address: contract}
	hooks.OnOpcode(0, byte(vm.PUSH1), 100, 3, scope, nil, 1, nil)
	scope.stack = words(1)
	hooks.OnOpcode(2, byte(vm.SLOAD), 97, 2100, scope, nil, 1, nil)
	scope.stack = words(42)
	scope.memory = make([]byte, 32)
	hooks.OnOpcode(3, byte(vm.POP), 95, 2, scope, nil, 1, nil)
	hooks.OnFault(3, byte(vm.POP), 95, 2, scope, 1, errors.New("out of gas"))
	hooks.OnExit(0, nil, 100, errors.New("out of gas"), false)

	// the tracer keeps its own copies of the scope data
	scope.stack[0].SetUint64(7)
	scope.memory[0] = 0xff

	trace := st.Trace()
	require.Len(t, trace.StructLogs, 3)
	assert.True(t, trace.Failed)
	assert.Equal(t, uint64(100), trace.Gas)

	push := trace.StructLogs[0]
	assert.Equal(t, vm.PUSH1, push.Op)
	assert.Equal(t, 1, push.Depth)
	assert.Empty(t, push.Stack)

	sload := trace.StructLogs[1]
	assert.Equal(t, vm.SLOAD, sload.Op)
	assert.Equal(t, words(1), sload.Stack)
	v, err := sload.StorageAt(key)
	require.NoError(t, err)
	assert.Equal(t, libcommon.HexToHash("0x2a"), v)

	pop := trace.StructLogs[2]
	assert.Equal(t, words(42), pop.Stack)
	assert.Equal(t, 32, pop.MemorySize)
	assert.Equal(t, byte(0), pop.Memory[0])
	assert.Equal(t, "out of gas", pop.Error)
}

func TestStateTracerCapturesSteps(t *testing.T) {
	contract := libcommon.HexToAddress("0xbb")
	key := libcommon.HexToHash("0x01")
	state := &fakeState{slots: map[libcommon.Hash]uint256.Int{key: *uint256.NewInt(42)}}
	tracer := NewStateTracer(state, nil)

	tracer.captureState(0, vm.PUSH1, 100, 3, nil, nil, contract, 1, nil)
	tracer.captureState(2, vm.SLOAD, 97, 2100, []byte{1, 2}, words(1), contract, 1, nil)
	state.refund = 4800
	tracer.captureState(3, vm.SSTORE, 95, 5000, nil, words(7, 1), contract, 1, nil)
	tracer.captureState(4, vm.STOP, 90, 0, nil, nil, contract, 1, nil)
	tracer.OnExit(0, []byte{0xde, 0xad}, 21010, nil, false)

	trace := tracer.Trace()
	require.Len(t, trace.StructLogs, 4)
	assert.False(t, trace.Failed)
	assert.Equal(t, uint64(21010), trace.Gas)
	assert.Equal(t, []byte{0xde, 0xad}, trace.ReturnValue)

	sload := trace.StructLogs[1]
	assert.Equal(t, vm.SLOAD, sload.Op)
	assert.Equal(t, 2, sload.MemorySize)
	v, err := sload.StorageAt(key)
	require.NoError(t, err)
	assert.Equal(t, libcommon.HexToHash("0x2a"), v)

	sstore := trace.StructLogs[2]
	assert.Equal(t, uint64(4800), sstore.Refund)
	v, err = sstore.StorageAt(key)
	require.NoError(t, err)
	assert.Equal(t, libcommon.HexToHash("0x07"), v)

	// snapshots are copies and do not follow later writes
	v, err = sload.StorageAt(key)
	require.NoError(t, err)
	assert.Equal(t, libcommon.HexToHash("0x2a"), v)
}

func TestStateTracerFaults(t *testing.T) {
	tracer := NewStateTracer(nil, nil)
	tracer.captureState(0, vm.JUMP, 100, 8, nil, words(3), libcommon.Address{}, 1, nil)
	tracer.OnFault(0, byte(vm.JUMP), 100, 8, nil, 1, errors.New("invalid jump destination"))
	tracer.OnExit(0, nil, 100, errors.New("invalid jump destination"), false)

	trace := tracer.Trace()
	require.Len(t, trace.StructLogs, 1)
	assert.Equal(t, "invalid jump destination", trace.StructLogs[0].Error)
	assert.True(t, trace.StructLogs[0].Failed())
	assert.True(t, trace.Failed)

	tracer.Reset()
	assert.Empty(t, tracer.Trace().StructLogs)
}
