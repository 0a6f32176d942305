package operation

import (
	"fmt"
	"slices"

	"github.com/google/go-cmp/cmp"
)

// Container owns every operation of a block, grouped by target. Each insert
// consumes the next read-write counter, starting at 1.
type Container struct {
	rwc int

	stack               []Operation[StackOp]
	memory              []Operation[MemoryOp]
	storage             []Operation[StorageOp]
	transientStorage    []Operation[TransientStorageOp]
	account             []Operation[AccountOp]
	accountStorage      []Operation[AccountStorageOp]
	callContext         []Operation[CallContextOp]
	txAccessListAccount []Operation[TxAccessListAccountOp]
	txRefund            []Operation[TxRefundOp]
	txLog               []Operation[TxLogOp]
	txReceipt           []Operation[TxReceiptOp]
}

func NewContainer() *Container {
	return &Container{}
}

// NextRWC is the counter the next insert will receive.
func (c *Container) NextRWC() int { return c.rwc + 1 }

// Len is the number of operations inserted so far.
func (c *Container) Len() int { return c.rwc }

// Insert stores op and returns its reference.
func (c *Container) Insert(rw RW, op Op) Ref {
	return c.insert(rw, false, op)
}

// InsertReversible stores op flagged as undoable on revert.
func (c *Container) InsertReversible(rw RW, op ReversibleOp) Ref {
	return c.insert(rw, true, op)
}

func (c *Container) insert(rw RW, reversible bool, op Op) Ref {
	c.rwc++
	switch o := op.(type) {
	case StackOp:
		return push(&c.stack, c.rwc, rw, reversible, o)
	case MemoryOp:
		return push(&c.memory, c.rwc, rw, reversible, o)
	case StorageOp:
		return push(&c.storage, c.rwc, rw, reversible, o)
	case TransientStorageOp:
		return push(&c.transientStorage, c.rwc, rw, reversible, o)
	case AccountOp:
		return push(&c.account, c.rwc, rw, reversible, o)
	case AccountStorageOp:
		return push(&c.accountStorage, c.rwc, rw, reversible, o)
	case CallContextOp:
		return push(&c.callContext, c.rwc, rw, reversible, o)
	case TxAccessListAccountOp:
		return push(&c.txAccessListAccount, c.rwc, rw, reversible, o)
	case TxRefundOp:
		return push(&c.txRefund, c.rwc, rw, reversible, o)
	case TxLogOp:
		return push(&c.txLog, c.rwc, rw, reversible, o)
	case TxReceiptOp:
		return push(&c.txReceipt, c.rwc, rw, reversible, o)
	default:
		panic(fmt.Sprintf("operation: unknown op type %T", op))
	}
}

func push[T Op](list *[]Operation[T], rwc int, rw RW, reversible bool, op T) Ref {
	*list = append(*list, Operation[T]{RWC: rwc, RW: rw, Reversible: reversible, Op: op})
	return Ref{Target: op.Target(), Index: len(*list) - 1}
}

func (c *Container) StackOps() []Operation[StackOp] {
	return slices.Clone(c.stack)
}

func (c *Container) MemoryOps() []Operation[MemoryOp] {
	return slices.Clone(c.memory)
}

func (c *Container) StorageOps() []Operation[StorageOp] {
	return slices.Clone(c.storage)
}

func (c *Container) TransientStorageOps() []Operation[TransientStorageOp] {
	return slices.Clone(c.transientStorage)
}

func (c *Container) AccountOps() []Operation[AccountOp] {
	return slices.Clone(c.account)
}

func (c *Container) AccountStorageOps() []Operation[AccountStorageOp] {
	return slices.Clone(c.accountStorage)
}

func (c *Container) CallContextOps() []Operation[CallContextOp] {
	return slices.Clone(c.callContext)
}

func (c *Container) TxAccessListAccountOps() []Operation[TxAccessListAccountOp] {
	return slices.Clone(c.txAccessListAccount)
}

func (c *Container) TxRefundOps() []Operation[TxRefundOp] {
	return slices.Clone(c.txRefund)
}

func (c *Container) TxLogOps() []Operation[TxLogOp] {
	return slices.Clone(c.txLog)
}

func (c *Container) TxReceiptOps() []Operation[TxReceiptOp] {
	return slices.Clone(c.txReceipt)
}

// Row is a target agnostic view of one operation.
type Row struct {
	RWC        int
	RW         RW
	Reversible bool
	Ref        Ref
	Op         Op
}

func (r Row) String() string {
	return fmt.Sprintf("#%d %s %s %+v", r.RWC, r.RW, r.Ref.Target, r.Op)
}

func rowsOf[T Op](list []Operation[T], target Target) []Row {
	rows := make([]Row, len(list))
	for i, o := range list {
		rows[i] = Row{RWC: o.RWC, RW: o.RW, Reversible: o.Reversible, Ref: Ref{Target: target, Index: i}, Op: o.Op}
	}
	return rows
}

// OperationsOf returns the operations of one target in insertion order.
func (c *Container) OperationsOf(target Target) []Row {
	switch target {
	case TargetStack:
		return rowsOf(c.stack, target)
	case TargetMemory:
		return rowsOf(c.memory, target)
	case TargetStorage:
		return rowsOf(c.storage, target)
	case TargetTransientStorage:
		return rowsOf(c.transientStorage, target)
	case TargetAccount:
		return rowsOf(c.account, target)
	case TargetAccountStorage:
		return rowsOf(c.accountStorage, target)
	case TargetCallContext:
		return rowsOf(c.callContext, target)
	case TargetTxAccessListAccount:
		return rowsOf(c.txAccessListAccount, target)
	case TargetTxRefund:
		return rowsOf(c.txRefund, target)
	case TargetTxLog:
		return rowsOf(c.txLog, target)
	case TargetTxReceipt:
		return rowsOf(c.txReceipt, target)
	}
	return nil
}

func rowAt[T Op](list []Operation[T], ref Ref) (Row, bool) {
	if ref.Index < 0 || ref.Index >= len(list) {
		return Row{}, false
	}
	o := list[ref.Index]
	return Row{RWC: o.RWC, RW: o.RW, Reversible: o.Reversible, Ref: ref, Op: o.Op}, true
}

// Get resolves a reference.
func (c *Container) Get(ref Ref) (Row, bool) {
	switch ref.Target {
	case TargetStack:
		return rowAt(c.stack, ref)
	case TargetMemory:
		return rowAt(c.memory, ref)
	case TargetStorage:
		return rowAt(c.storage, ref)
	case TargetTransientStorage:
		return rowAt(c.transientStorage, ref)
	case TargetAccount:
		return rowAt(c.account, ref)
	case TargetAccountStorage:
		return rowAt(c.accountStorage, ref)
	case TargetCallContext:
		return rowAt(c.callContext, ref)
	case TargetTxAccessListAccount:
		return rowAt(c.txAccessListAccount, ref)
	case TargetTxRefund:
		return rowAt(c.txRefund, ref)
	case TargetTxLog:
		return rowAt(c.txLog, ref)
	case TargetTxReceipt:
		return rowAt(c.txReceipt, ref)
	}
	return Row{}, false
}

// Rows merges every target back into emission (RWC) order.
func (c *Container) Rows() []Row {
	rows := make([]Row, c.rwc)
	for _, target := range Targets {
		for _, r := range c.OperationsOf(target) {
			rows[r.RWC-1] = r
		}
	}
	return rows
}

// Counts returns the number of operations per target.
func (c *Container) Counts() map[Target]int {
	counts := map[Target]int{
		TargetStack:               len(c.stack),
		TargetMemory:              len(c.memory),
		TargetStorage:             len(c.storage),
		TargetTransientStorage:    len(c.transientStorage),
		TargetAccount:             len(c.account),
		TargetAccountStorage:      len(c.accountStorage),
		TargetCallContext:         len(c.callContext),
		TargetTxAccessListAccount: len(c.txAccessListAccount),
		TargetTxRefund:            len(c.txRefund),
		TargetTxLog:               len(c.txLog),
		TargetTxReceipt:           len(c.txReceipt),
	}
	return counts
}

// Equal is a deep, order sensitive comparison.
func (c *Container) Equal(other *Container) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.rwc == other.rwc &&
		slices.Equal(c.stack, other.stack) &&
		slices.Equal(c.memory, other.memory) &&
		slices.Equal(c.storage, other.storage) &&
		slices.Equal(c.transientStorage, other.transientStorage) &&
		slices.Equal(c.account, other.account) &&
		slices.Equal(c.accountStorage, other.accountStorage) &&
		slices.Equal(c.callContext, other.callContext) &&
		slices.Equal(c.txAccessListAccount, other.txAccessListAccount) &&
		slices.Equal(c.txRefund, other.txRefund) &&
		slices.Equal(c.txLog, other.txLog) &&
		slices.Equal(c.txReceipt, other.txReceipt)
}

// Diff renders the differences between two containers in emission order,
// empty when they are Equal.
func (c *Container) Diff(other *Container) string {
	return cmp.Diff(c.Rows(), other.Rows())
}
