package statedb

import (
	"maps"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon-lib/crypto"
	"github.com/erigontech/erigon/core/tracing"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/tracer"
)

// EmptyCodeHash is the keccak256 of empty code.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

type account struct {
	balance  uint256.Int
	nonce    uint64
	code     []byte
	codeHash libcommon.Hash
}

type slotKey struct {
	addr libcommon.Address
	key  libcommon.Hash
}

// =============================================================================
// STATE DB
// =============================================================================

// StateDB is the in-memory world state the builder keeps in step with the
// trace: account fields, persistent and transient storage, the transaction
// access list and the refund counter.
type StateDB struct {
	accounts  map[libcommon.Address]*account
	storage   map[slotKey]uint256.Int
	committed map[slotKey]uint256.Int
	transient map[slotKey]uint256.Int

	accessAddrs map[libcommon.Address]struct{}
	accessSlots map[slotKey]struct{}
	refund      uint64
}

var _ tracer.StateReader = (*StateDB)(nil)

func New() *StateDB {
	return &StateDB{
		accounts:    make(map[libcommon.Address]*account),
		storage:     make(map[slotKey]uint256.Int),
		committed:   make(map[slotKey]uint256.Int),
		transient:   make(map[slotKey]uint256.Int),
		accessAddrs: make(map[libcommon.Address]struct{}),
		accessSlots: make(map[slotKey]struct{}),
	}
}

// FromPrestate seeds a state from trace prestate entries.
func FromPrestate(prestate map[libcommon.Address]*tracer.Account) *StateDB {
	s := New()
	for addr, acc := range prestate {
		a := s.getOrNew(addr)
		a.balance = acc.Balance
		a.nonce = acc.Nonce
		s.setCode(a, acc.Code)
		for k, v := range acc.Storage {
			var value uint256.Int
			value.SetBytes32(v[:])
			s.storage[slotKey{addr, k}] = value
			s.committed[slotKey{addr, k}] = value
		}
	}
	return s
}

func (s *StateDB) getOrNew(addr libcommon.Address) *account {
	a, ok := s.accounts[addr]
	if !ok {
		a = &account{codeHash: EmptyCodeHash}
		s.accounts[addr] = a
	}
	return a
}

func (s *StateDB) setCode(a *account, code []byte) {
	a.code = code
	if len(code) == 0 {
		a.codeHash = EmptyCodeHash
		return
	}
	a.codeHash = crypto.Keccak256Hash(code)
}

func (s *StateDB) GetBalance(addr libcommon.Address) (*uint256.Int, error) {
	if a, ok := s.accounts[addr]; ok {
		return new(uint256.Int).Set(&a.balance), nil
	}
	return uint256.NewInt(0), nil
}

func (s *StateDB) SetBalance(addr libcommon.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) error {
	s.getOrNew(addr).balance = *amount
	return nil
}

func (s *StateDB) GetNonce(addr libcommon.Address) (uint64, error) {
	if a, ok := s.accounts[addr]; ok {
		return a.nonce, nil
	}
	return 0, nil
}

func (s *StateDB) SetNonce(addr libcommon.Address, nonce uint64) error {
	s.getOrNew(addr).nonce = nonce
	return nil
}

func (s *StateDB) GetCode(addr libcommon.Address) ([]byte, error) {
	if a, ok := s.accounts[addr]; ok {
		return a.code, nil
	}
	return nil, nil
}

func (s *StateDB) SetCode(addr libcommon.Address, code []byte) error {
	s.setCode(s.getOrNew(addr), code)
	return nil
}

// GetCodeHash returns the zero hash for accounts that do not exist.
func (s *StateDB) GetCodeHash(addr libcommon.Address) (libcommon.Hash, error) {
	if a, ok := s.accounts[addr]; ok {
		return a.codeHash, nil
	}
	return libcommon.Hash{}, nil
}

func (s *StateDB) GetState(addr libcommon.Address, key *libcommon.Hash, value *uint256.Int) error {
	v := s.storage[slotKey{addr, *key}]
	value.Set(&v)
	return nil
}

func (s *StateDB) SetState(addr libcommon.Address, key *libcommon.Hash, value uint256.Int) error {
	s.storage[slotKey{addr, *key}] = value
	return nil
}

// GetCommittedState returns the slot value at the start of the transaction.
func (s *StateDB) GetCommittedState(addr libcommon.Address, key *libcommon.Hash, value *uint256.Int) error {
	v := s.committed[slotKey{addr, *key}]
	value.Set(&v)
	return nil
}

func (s *StateDB) GetTransientState(addr libcommon.Address, key libcommon.Hash) uint256.Int {
	return s.transient[slotKey{addr, key}]
}

func (s *StateDB) SetTransientState(addr libcommon.Address, key libcommon.Hash, value uint256.Int) {
	s.transient[slotKey{addr, key}] = value
}

func (s *StateDB) SetRefund(gas uint64) { s.refund = gas }
func (s *StateDB) GetRefund() uint64    { return s.refund }

// AddAddressToAccessList warms addr and reports whether it was cold.
func (s *StateDB) AddAddressToAccessList(addr libcommon.Address) bool {
	if _, ok := s.accessAddrs[addr]; ok {
		return false
	}
	s.accessAddrs[addr] = struct{}{}
	return true
}

// AddSlotToAccessList warms (addr, slot). It reports whether the address and
// the slot were cold.
func (s *StateDB) AddSlotToAccessList(addr libcommon.Address, slot libcommon.Hash) (addrAdded, slotAdded bool) {
	addrAdded = s.AddAddressToAccessList(addr)
	k := slotKey{addr, slot}
	if _, ok := s.accessSlots[k]; ok {
		return addrAdded, false
	}
	s.accessSlots[k] = struct{}{}
	return addrAdded, true
}

func (s *StateDB) AddressInAccessList(addr libcommon.Address) bool {
	_, ok := s.accessAddrs[addr]
	return ok
}

func (s *StateDB) SlotInAccessList(addr libcommon.Address, slot libcommon.Hash) (addressOk, slotOk bool) {
	_, addressOk = s.accessAddrs[addr]
	_, slotOk = s.accessSlots[slotKey{addr, slot}]
	return addressOk, slotOk
}

// RemoveAddressFromAccessList undoes a warm marker on revert.
func (s *StateDB) RemoveAddressFromAccessList(addr libcommon.Address) {
	delete(s.accessAddrs, addr)
}

// RemoveSlotFromAccessList undoes a slot warm marker on revert.
func (s *StateDB) RemoveSlotFromAccessList(addr libcommon.Address, slot libcommon.Hash) {
	delete(s.accessSlots, slotKey{addr, slot})
}

// FinaliseTx ends a transaction: current storage becomes the committed
// storage and transaction scoped state is dropped.
func (s *StateDB) FinaliseTx() {
	s.committed = maps.Clone(s.storage)
	clear(s.transient)
	clear(s.accessAddrs)
	clear(s.accessSlots)
	s.refund = 0
}
