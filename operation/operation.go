// Package operation defines the bus-mapping operations emitted while
// building a block witness and the container that orders them.
package operation

import (
	"encoding/binary"
	"fmt"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/holiman/uint256"
)

// RW tells whether an operation reads or writes its location.
type RW bool

const (
	READ  RW = false
	WRITE RW = true
)

func (rw RW) IsWrite() bool { return bool(rw) }

func (rw RW) String() string {
	if rw {
		return "WRITE"
	}
	return "READ"
}

// Target identifies the operation variant.
type Target uint8

const (
	TargetStack Target = iota + 1
	TargetMemory
	TargetStorage
	TargetTransientStorage
	TargetAccount
	TargetAccountStorage
	TargetCallContext
	TargetTxAccessListAccount
	TargetTxRefund
	TargetTxLog
	TargetTxReceipt
)

// Targets lists every variant in container order.
var Targets = []Target{
	TargetStack,
	TargetMemory,
	TargetStorage,
	TargetTransientStorage,
	TargetAccount,
	TargetAccountStorage,
	TargetCallContext,
	TargetTxAccessListAccount,
	TargetTxRefund,
	TargetTxLog,
	TargetTxReceipt,
}

var targetNames = map[Target]string{
	TargetStack:               "Stack",
	TargetMemory:              "Memory",
	TargetStorage:             "Storage",
	TargetTransientStorage:    "TransientStorage",
	TargetAccount:             "Account",
	TargetAccountStorage:      "AccountStorage",
	TargetCallContext:         "CallContext",
	TargetTxAccessListAccount: "TxAccessListAccount",
	TargetTxRefund:            "TxRefund",
	TargetTxLog:               "TxLog",
	TargetTxReceipt:           "TxReceipt",
}

func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Target(%d)", uint8(t))
}

// Op is implemented by every operation variant.
type Op interface {
	Target() Target
	// Key is the location the operation touches, encoded so that byte-wise
	// ordering matches the state circuit ordering within a target.
	Key() string
}

// ReversibleOp is an op whose effect is undone when the enclosing call
// reverts.
type ReversibleOp interface {
	Op
	Reverse() Op
}

// Operation is an op stamped with its read-write counter.
type Operation[T Op] struct {
	RWC        int
	RW         RW
	Reversible bool
	Op         T
}

func (o Operation[T]) String() string {
	return fmt.Sprintf("#%d %s %s %+v", o.RWC, o.RW, o.Op.Target(), o.Op)
}

// Ref locates an operation inside a Container.
type Ref struct {
	Target Target
	Index  int
}

func (r Ref) String() string { return fmt.Sprintf("%s[%d]", r.Target, r.Index) }

// keyBuilder packs key fields big endian so string comparison orders them.
type keyBuilder []byte

func (k keyBuilder) u64(v uint64) keyBuilder {
	return binary.BigEndian.AppendUint64(k, v)
}

func (k keyBuilder) int(v int) keyBuilder {
	return k.u64(uint64(v))
}

func (k keyBuilder) addr(a libcommon.Address) keyBuilder {
	return append(k, a[:]...)
}

func (k keyBuilder) hash(h libcommon.Hash) keyBuilder {
	return append(k, h[:]...)
}

func (k keyBuilder) word(w *uint256.Int) keyBuilder {
	b := w.Bytes32()
	return append(k, b[:]...)
}

func (k keyBuilder) String() string { return string(k) }
