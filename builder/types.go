package builder

import (
	"fmt"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/erigontech/erigon/core/vm"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/operation"
)

// Block is the finished witness of one block.
type Block struct {
	Number    uint64
	Timestamp uint64
	BaseFee   uint256.Int
	Coinbase  libcommon.Address
	GasLimit  uint64
	ChainID   uint64

	Txs       []*Transaction
	Container *operation.Container

	cumulativeGasUsed uint64
}

type StepKind uint8

const (
	StepOpcode StepKind = iota
	StepBeginTx
	StepEndTx
)

func (k StepKind) String() string {
	switch k {
	case StepOpcode:
		return "opcode"
	case StepBeginTx:
		return "begin_tx"
	case StepEndTx:
		return "end_tx"
	}
	return fmt.Sprintf("StepKind(%d)", uint8(k))
}

// Step is one execution step of the witness together with the operations it
// produced. BeginTx and EndTx steps carry no opcode.
type Step struct {
	Kind    StepKind
	PC      uint64
	Op      vm.OpCode
	Gas     uint64
	GasCost uint64
	Depth   int
	Error   string

	// CallIndex points into Transaction.Calls.
	CallIndex int
	// RWCounter is the counter of the first operation of the step.
	RWCounter              int
	ReversibleWriteCounter int
	LogID                  int

	BusMappingInstance []operation.Ref
}

type CallKind uint8

const (
	CallKindCall CallKind = iota
	CallKindCallCode
	CallKindDelegateCall
	CallKindStaticCall
	CallKindCreate
	CallKindCreate2
)

func (k CallKind) String() string {
	switch k {
	case CallKindCall:
		return "CALL"
	case CallKindCallCode:
		return "CALLCODE"
	case CallKindDelegateCall:
		return "DELEGATECALL"
	case CallKindStaticCall:
		return "STATICCALL"
	case CallKindCreate:
		return "CREATE"
	case CallKindCreate2:
		return "CREATE2"
	}
	return fmt.Sprintf("CallKind(%d)", uint8(k))
}

func (k CallKind) IsCreate() bool { return k == CallKindCreate || k == CallKindCreate2 }

// Call is a call frame of a transaction. ID is the read-write counter at the
// moment the frame was created, which makes it unique within the block.
type Call struct {
	Index    int
	ID       int
	Kind     CallKind
	IsRoot   bool
	IsCreate bool
	IsStatic bool

	IsSuccess    bool
	IsPersistent bool

	CallerID      int
	Depth         int
	CallerAddress libcommon.Address
	// Address owns the storage and balance the frame operates on. It differs
	// from CodeAddress under DELEGATECALL and CALLCODE.
	Address     libcommon.Address
	CodeAddress libcommon.Address
	CodeHash    libcommon.Hash
	Value       uint256.Int

	CallDataOffset   uint64
	CallDataLength   uint64
	ReturnDataOffset uint64
	ReturnDataLength uint64

	LastCalleeID               int
	LastCalleeReturnDataOffset uint64
	LastCalleeReturnDataLength uint64

	ReversibleWriteCounter  int
	RWCounterEndOfReversion int

	input          []byte
	lastReturnData []byte
}

// Transaction is a sealed transaction of the witness.
type Transaction struct {
	Index    int
	ID       int
	From     libcommon.Address
	To       *libcommon.Address
	Value    uint256.Int
	GasLimit uint64
	GasPrice uint256.Int
	CallData []byte
	Nonce    uint64
	GasUsed  uint64

	Calls   []*Call
	BeginTx Step
	Steps   []Step
	EndTx   Step
}

func (tx *Transaction) IsCreate() bool { return tx.To == nil }

// AllSteps returns BeginTx, the opcode steps and EndTx in order.
func (tx *Transaction) AllSteps() []Step {
	steps := make([]Step, 0, len(tx.Steps)+2)
	steps = append(steps, tx.BeginTx)
	steps = append(steps, tx.Steps...)
	return append(steps, tx.EndTx)
}
