package operation

import (
	"fmt"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/holiman/uint256"

	"erigon-bus-mapping/tracer"
)

// StackOp touches one stack word of a call.
type StackOp struct {
	CallID  int
	Address tracer.StackAddress
	Value   uint256.Int
}

func (StackOp) Target() Target { return TargetStack }

func (op StackOp) Key() string {
	return keyBuilder(nil).int(op.CallID).u64(uint64(op.Address)).String()
}

// MemoryOp touches one byte of call memory.
type MemoryOp struct {
	CallID  int
	Address tracer.MemoryAddress
	Value   byte
}

func (MemoryOp) Target() Target { return TargetMemory }

func (op MemoryOp) Key() string {
	return keyBuilder(nil).int(op.CallID).u64(uint64(op.Address)).String()
}

// StorageOp flips the warm flag of a storage slot in the transaction access
// list. It precedes the AccountStorageOp carrying the slot value.
type StorageOp struct {
	TxID       int
	Address    libcommon.Address
	Slot       libcommon.Hash
	IsWarm     bool
	IsWarmPrev bool
}

func (StorageOp) Target() Target { return TargetStorage }

func (op StorageOp) Key() string {
	return keyBuilder(nil).int(op.TxID).addr(op.Address).hash(op.Slot).String()
}

func (op StorageOp) Reverse() Op {
	op.IsWarm, op.IsWarmPrev = op.IsWarmPrev, op.IsWarm
	return op
}

// TransientStorageOp touches an EIP-1153 slot.
type TransientStorageOp struct {
	TxID      int
	Address   libcommon.Address
	Slot      libcommon.Hash
	Value     uint256.Int
	ValuePrev uint256.Int
}

func (TransientStorageOp) Target() Target { return TargetTransientStorage }

func (op TransientStorageOp) Key() string {
	return keyBuilder(nil).int(op.TxID).addr(op.Address).hash(op.Slot).String()
}

func (op TransientStorageOp) Reverse() Op {
	op.Value, op.ValuePrev = op.ValuePrev, op.Value
	return op
}

type AccountField uint8

const (
	AccountNonce AccountField = iota + 1
	AccountBalance
	AccountCodeHash
)

func (f AccountField) String() string {
	switch f {
	case AccountNonce:
		return "Nonce"
	case AccountBalance:
		return "Balance"
	case AccountCodeHash:
		return "CodeHash"
	}
	return fmt.Sprintf("AccountField(%d)", uint8(f))
}

// AccountOp touches one field of an account.
type AccountOp struct {
	Address   libcommon.Address
	Field     AccountField
	Value     uint256.Int
	ValuePrev uint256.Int
}

func (AccountOp) Target() Target { return TargetAccount }

func (op AccountOp) Key() string {
	return keyBuilder(nil).addr(op.Address).u64(uint64(op.Field)).String()
}

func (op AccountOp) Reverse() Op {
	op.Value, op.ValuePrev = op.ValuePrev, op.Value
	return op
}

// AccountStorageOp carries the value of a persistent storage slot.
// CommittedValue is the slot value at the start of the transaction.
type AccountStorageOp struct {
	TxID           int
	Address        libcommon.Address
	Slot           libcommon.Hash
	Value          uint256.Int
	ValuePrev      uint256.Int
	CommittedValue uint256.Int
}

func (AccountStorageOp) Target() Target { return TargetAccountStorage }

func (op AccountStorageOp) Key() string {
	return keyBuilder(nil).addr(op.Address).hash(op.Slot).String()
}

func (op AccountStorageOp) Reverse() Op {
	op.Value, op.ValuePrev = op.ValuePrev, op.Value
	return op
}

type CallContextField uint8

const (
	RwCounterEndOfReversion CallContextField = iota + 1
	CallerID
	TxID
	Depth
	CallerAddress
	CalleeAddress
	CallDataOffset
	CallDataLength
	ReturnDataOffset
	ReturnDataLength
	Value
	IsSuccess
	IsPersistent
	IsStatic
	LastCalleeID
	LastCalleeReturnDataOffset
	LastCalleeReturnDataLength
	IsRoot
	IsCreate
	CodeHash
	ProgramCounter
	StackPointer
	GasLeft
	MemorySize
	ReversibleWriteCounter
)

var callContextFieldNames = [...]string{
	RwCounterEndOfReversion:    "RwCounterEndOfReversion",
	CallerID:                   "CallerId",
	TxID:                       "TxId",
	Depth:                      "Depth",
	CallerAddress:              "CallerAddress",
	CalleeAddress:              "CalleeAddress",
	CallDataOffset:             "CallDataOffset",
	CallDataLength:             "CallDataLength",
	ReturnDataOffset:           "ReturnDataOffset",
	ReturnDataLength:           "ReturnDataLength",
	Value:                      "Value",
	IsSuccess:                  "IsSuccess",
	IsPersistent:               "IsPersistent",
	IsStatic:                   "IsStatic",
	LastCalleeID:               "LastCalleeId",
	LastCalleeReturnDataOffset: "LastCalleeReturnDataOffset",
	LastCalleeReturnDataLength: "LastCalleeReturnDataLength",
	IsRoot:                     "IsRoot",
	IsCreate:                   "IsCreate",
	CodeHash:                   "CodeHash",
	ProgramCounter:             "ProgramCounter",
	StackPointer:               "StackPointer",
	GasLeft:                    "GasLeft",
	MemorySize:                 "MemorySize",
	ReversibleWriteCounter:     "ReversibleWriteCounter",
}

func (f CallContextField) String() string {
	if int(f) < len(callContextFieldNames) && callContextFieldNames[f] != "" {
		return callContextFieldNames[f]
	}
	return fmt.Sprintf("CallContextField(%d)", uint8(f))
}

// CallContextOp touches one field of a call frame.
type CallContextOp struct {
	CallID int
	Field  CallContextField
	Value  uint256.Int
}

func (CallContextOp) Target() Target { return TargetCallContext }

func (op CallContextOp) Key() string {
	return keyBuilder(nil).int(op.CallID).u64(uint64(op.Field)).String()
}

// TxAccessListAccountOp flips the warm flag of an account.
type TxAccessListAccountOp struct {
	TxID       int
	Address    libcommon.Address
	IsWarm     bool
	IsWarmPrev bool
}

func (TxAccessListAccountOp) Target() Target { return TargetTxAccessListAccount }

func (op TxAccessListAccountOp) Key() string {
	return keyBuilder(nil).int(op.TxID).addr(op.Address).String()
}

func (op TxAccessListAccountOp) Reverse() Op {
	op.IsWarm, op.IsWarmPrev = op.IsWarmPrev, op.IsWarm
	return op
}

// TxRefundOp tracks the transaction gas refund counter.
type TxRefundOp struct {
	TxID      int
	Value     uint64
	ValuePrev uint64
}

func (TxRefundOp) Target() Target { return TargetTxRefund }

func (op TxRefundOp) Key() string {
	return keyBuilder(nil).int(op.TxID).String()
}

func (op TxRefundOp) Reverse() Op {
	op.Value, op.ValuePrev = op.ValuePrev, op.Value
	return op
}

type TxLogField uint8

const (
	TxLogAddress TxLogField = 1
	TxLogTopic   TxLogField = 2
	TxLogData    TxLogField = 3
)

func (f TxLogField) String() string {
	switch f {
	case TxLogAddress:
		return "Address"
	case TxLogTopic:
		return "Topic"
	case TxLogData:
		return "Data"
	}
	return fmt.Sprintf("TxLogField(%d)", uint8(f))
}

// BuildTxLogAddress packs a log field position into a single key:
// index + field<<32 + logID<<48.
func BuildTxLogAddress(index uint64, field TxLogField, logID uint64) uint64 {
	return index + uint64(field)<<32 + logID<<48
}

// TxLogOp writes one word of a log entry.
type TxLogOp struct {
	TxID  int
	LogID int
	Field TxLogField
	Index int
	Value uint256.Int
}

func (TxLogOp) Target() Target { return TargetTxLog }

// Address is the packed position of this entry within its transaction.
func (op TxLogOp) Address() uint64 {
	return BuildTxLogAddress(uint64(op.Index), op.Field, uint64(op.LogID))
}

func (op TxLogOp) Key() string {
	return keyBuilder(nil).int(op.TxID).u64(op.Address()).String()
}

type TxReceiptField uint8

const (
	TxReceiptPostStateOrStatus TxReceiptField = iota + 1
	TxReceiptCumulativeGasUsed
	TxReceiptLogLength
)

func (f TxReceiptField) String() string {
	switch f {
	case TxReceiptPostStateOrStatus:
		return "PostStateOrStatus"
	case TxReceiptCumulativeGasUsed:
		return "CumulativeGasUsed"
	case TxReceiptLogLength:
		return "LogLength"
	}
	return fmt.Sprintf("TxReceiptField(%d)", uint8(f))
}

// TxReceiptOp reads one receipt field.
type TxReceiptOp struct {
	TxID  int
	Field TxReceiptField
	Value uint64
}

func (TxReceiptOp) Target() Target { return TargetTxReceipt }

func (op TxReceiptOp) Key() string {
	return keyBuilder(nil).int(op.TxID).u64(uint64(op.Field)).String()
}
