package mock

import (
	"testing"

	"github.com/erigontech/erigon/core/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPicksSmallestOpcode(t *testing.T) {
	tests := []struct {
		value uint64
		op    vm.OpCode
		size  uint64
	}{
		{0, vm.PUSH0, 1},
		{1, vm.PUSH1, 2},
		{0xff, vm.PUSH1, 2},
		{0x100, vm.PUSH2, 3},
		{0x1234, vm.PUSH2, 3},
		{1 << 32, vm.PUSH5, 6},
	}
	for _, tt := range tests {
		steps := NewTrace().Push(tt.value).Op(vm.STOP, 0).Steps()
		assert.Equal(t, tt.op, steps[0].Op, "push %d", tt.value)
		assert.Equal(t, tt.size, steps[1].PC, "push %d", tt.value)
	}
}

func TestSnapshotsArePreStep(t *testing.T) {
	steps := NewTrace().
		Push(1).
		Push(2).
		Op(vm.ADD, 2, 3).
		Op(vm.STOP, 0).
		Steps()
	require.Len(t, steps, 4)
	assert.Empty(t, steps[0].Stack)
	assert.Len(t, steps[2].Stack, 2)
	assert.Equal(t, Word(3), steps[3].Stack[0])
	assert.Equal(t, []uint64{0, 2, 4, 5}, []uint64{steps[0].PC, steps[1].PC, steps[2].PC, steps[3].PC})
}

func TestEnterAndLeave(t *testing.T) {
	trace := NewTrace().
		Push(7).
		WriteMemory(0, []byte{1}).
		Op(vm.CALL, 1).
		Enter().
		Op(vm.STOP, 0).
		Leave(Word(1)).
		Op(vm.STOP, 0).
		Trace()
	steps := trace.StructLogs
	require.Len(t, steps, 4)
	assert.Equal(t, []int{1, 1, 2, 1}, []int{steps[0].Depth, steps[1].Depth, steps[2].Depth, steps[3].Depth})
	assert.Empty(t, steps[2].Stack)
	assert.Empty(t, steps[2].Memory)
	assert.Equal(t, uint64(0), steps[2].PC)
	assert.Len(t, steps[3].Memory, 32)
	assert.Equal(t, Word(1), steps[3].Stack[0])
	assert.False(t, trace.Failed)
}

func TestStorageAttachesToNextStep(t *testing.T) {
	steps := NewTrace().
		Push(5).
		Storage(5, 7).Op(vm.SLOAD, 1, 7).
		Op(vm.STOP, 0).
		Steps()
	assert.Nil(t, steps[0].Storage)
	w := Word(5)
	v, err := steps[1].StorageAt(w.Bytes32())
	require.NoError(t, err)
	want := Word(7)
	assert.Equal(t, want.Bytes32(), [32]byte(v))
	assert.Nil(t, steps[2].Storage)
}

func TestTraceFailure(t *testing.T) {
	assert.True(t, NewTrace().Op(vm.JUMPDEST, 0).Trace().Failed)
	assert.True(t, NewTrace().Push(0).Push(0).Op(vm.REVERT, 2).Fail("execution reverted").Trace().Failed)
	assert.False(t, NewTrace().Op(vm.STOP, 0).Trace().Failed)
}
