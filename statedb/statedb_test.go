package statedb

import (
	"testing"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/crypto"
	"github.com/erigontech/erigon/core/tracing"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erigon-bus-mapping/tracer"
)

func TestFromPrestate(t *testing.T) {
	addr := libcommon.HexToAddress("0xbb")
	code := []byte{0x60, 0x01, 0x00}
	s := FromPrestate(map[libcommon.Address]*tracer.Account{
		addr: {
			Balance: *uint256.NewInt(100),
			Nonce:   4,
			Code:    code,
			Storage: map[libcommon.Hash]libcommon.Hash{libcommon.HexToHash("0x01"): libcommon.HexToHash("0x2a")},
		},
	})

	balance, err := s.GetBalance(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance.Uint64())

	nonce, _ := s.GetNonce(addr)
	assert.Equal(t, uint64(4), nonce)

	hash, _ := s.GetCodeHash(addr)
	assert.Equal(t, crypto.Keccak256Hash(code), hash)

	var v uint256.Int
	key := libcommon.HexToHash("0x01")
	require.NoError(t, s.GetState(addr, &key, &v))
	assert.Equal(t, uint64(42), v.Uint64())
	require.NoError(t, s.GetCommittedState(addr, &key, &v))
	assert.Equal(t, uint64(42), v.Uint64())

	missing, _ := s.GetCodeHash(libcommon.HexToAddress("0xcc"))
	assert.Equal(t, libcommon.Hash{}, missing)
}

func TestCommittedStorageAndTxScope(t *testing.T) {
	s := New()
	addr := libcommon.HexToAddress("0xbb")
	key := libcommon.HexToHash("0x01")

	require.NoError(t, s.SetState(addr, &key, *uint256.NewInt(7)))
	var v uint256.Int
	require.NoError(t, s.GetCommittedState(addr, &key, &v))
	assert.True(t, v.IsZero())

	assert.True(t, s.AddAddressToAccessList(addr))
	assert.False(t, s.AddAddressToAccessList(addr))
	addrAdded, slotAdded := s.AddSlotToAccessList(addr, key)
	assert.False(t, addrAdded)
	assert.True(t, slotAdded)
	s.SetTransientState(addr, key, *uint256.NewInt(9))
	s.SetRefund(4800)

	s.FinaliseTx()

	require.NoError(t, s.GetCommittedState(addr, &key, &v))
	assert.Equal(t, uint64(7), v.Uint64())
	assert.False(t, s.AddressInAccessList(addr))
	assert.True(t, s.GetTransientState(addr, key).IsZero())
	assert.Zero(t, s.GetRefund())
}

func TestAccountWritesAndAccessListRemoval(t *testing.T) {
	s := New()
	addr := libcommon.HexToAddress("0xaa")
	slot := libcommon.HexToHash("0x02")

	require.NoError(t, s.SetBalance(addr, uint256.NewInt(10), tracing.BalanceChangeUnspecified))
	require.NoError(t, s.SetNonce(addr, 3))
	require.NoError(t, s.SetCode(addr, []byte{0x00}))
	balance, _ := s.GetBalance(addr)
	assert.Equal(t, uint64(10), balance.Uint64())
	nonce, _ := s.GetNonce(addr)
	assert.Equal(t, uint64(3), nonce)
	hash, _ := s.GetCodeHash(addr)
	assert.Equal(t, crypto.Keccak256Hash([]byte{0x00}), hash)

	require.NoError(t, s.SetCode(addr, nil))
	hash, _ = s.GetCodeHash(addr)
	assert.Equal(t, EmptyCodeHash, hash)

	s.AddSlotToAccessList(addr, slot)
	s.RemoveSlotFromAccessList(addr, slot)
	addrOk, slotOk := s.SlotInAccessList(addr, slot)
	assert.True(t, addrOk)
	assert.False(t, slotOk)
	s.RemoveAddressFromAccessList(addr)
	assert.False(t, s.AddressInAccessList(addr))

	s.SetRefund(4800)
	assert.Equal(t, uint64(4800), s.GetRefund())
}
