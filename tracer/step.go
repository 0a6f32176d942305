package tracer

import (
	"errors"
	"fmt"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"
)

// ErrTraceMalformed is returned when a trace does not contain what an opcode
// needs: too few stack items, missing memory or storage entries, or an
// unknown opcode.
var ErrTraceMalformed = errors.New("trace malformed")

// ExecStep is one executed instruction as reported by the trace source. The
// snapshots describe the machine before the instruction runs.
type ExecStep struct {
	PC         uint64
	Op         vm.OpCode
	Gas        uint64
	GasCost    uint64
	Depth      int
	Stack      Stack
	Memory     Memory
	MemorySize int
	Storage    map[libcommon.Hash]libcommon.Hash
	Refund     uint64
	Error      string
}

// Failed reports whether the instruction raised an execution error.
func (s *ExecStep) Failed() bool { return s.Error != "" }

// StorageAt looks up a slot in the step's storage snapshot.
func (s *ExecStep) StorageAt(key libcommon.Hash) (libcommon.Hash, error) {
	v, ok := s.Storage[key]
	if !ok {
		return libcommon.Hash{}, fmt.Errorf("%w: storage snapshot has no slot %x", ErrTraceMalformed, key)
	}
	return v, nil
}

// ReadMemory copies size bytes of memory starting at offset. Bytes at or past
// MemorySize are untouched and read as zero. Bytes below MemorySize that the
// snapshot did not capture make the read fail.
func (s *ExecStep) ReadMemory(offset, size uint64) ([]byte, error) {
	if size == 0 {
		return s.Memory.ReadRange(offset, 0), nil
	}
	end := offset + size
	if end < offset {
		return nil, fmt.Errorf("%w: memory range %d+%d overflows", ErrTraceMalformed, offset, size)
	}
	captured, allocated := uint64(len(s.Memory)), uint64(max(s.MemorySize, 0))
	if max(offset, captured) < min(end, allocated) {
		return nil, fmt.Errorf("%w: memory [%d, %d) not captured, snapshot has %d of %d bytes",
			ErrTraceMalformed, offset, end, captured, allocated)
	}
	return s.Memory.ReadRange(offset, size), nil
}

func (s *ExecStep) Validate() error {
	if err := s.Stack.Validate(); err != nil {
		return err
	}
	if s.MemorySize < len(s.Memory) {
		return fmt.Errorf("%w: memory size %d smaller than snapshot %d", ErrTraceMalformed, s.MemorySize, len(s.Memory))
	}
	return nil
}

// TxTrace is the struct-log trace of a single transaction.
type TxTrace struct {
	Gas         uint64
	Failed      bool
	ReturnValue []byte
	StructLogs  []ExecStep
}

// TxDescriptor describes the transaction that produced a trace. A nil To
// means contract creation.
type TxDescriptor struct {
	From     libcommon.Address
	To       *libcommon.Address
	Value    uint256.Int
	GasLimit uint64
	GasPrice uint256.Int
	CallData []byte
	Nonce    uint64
}

func (t *TxDescriptor) IsCreate() bool { return t.To == nil }

// BlockDescriptor carries the block level context.
type BlockDescriptor struct {
	Number    uint64
	Timestamp uint64
	BaseFee   uint256.Int
	Coinbase  libcommon.Address
	GasLimit  uint64
	ChainID   uint64
}

// Account is a prestate entry.
type Account struct {
	Balance uint256.Int
	Nonce   uint64
	Code    []byte
	Storage map[libcommon.Hash]libcommon.Hash
}

// Transaction pairs a descriptor with its trace.
type Transaction struct {
	TxDescriptor
	Trace TxTrace
}

// BlockTrace is everything needed to build the witness of one block.
type BlockTrace struct {
	Block        BlockDescriptor
	Prestate     map[libcommon.Address]*Account
	Transactions []Transaction
}
