package operation

import (
	"github.com/google/btree"
)

const btreeDegree = 32

// lessRow is the state circuit order: target, then key, then counter.
func lessRow(a, b Row) bool {
	if a.Ref.Target != b.Ref.Target {
		return a.Ref.Target < b.Ref.Target
	}
	if ka, kb := a.Op.Key(), b.Op.Key(); ka != kb {
		return ka < kb
	}
	return a.RWC < b.RWC
}

// SortedRows returns all operations in the order the state circuit checks
// them: grouped by target, then by location, then chronologically. Within a
// location the first row is the first access.
func (c *Container) SortedRows() []Row {
	tree := btree.NewG[Row](btreeDegree, lessRow)
	for _, target := range Targets {
		for _, r := range c.OperationsOf(target) {
			tree.ReplaceOrInsert(r)
		}
	}
	rows := make([]Row, 0, tree.Len())
	tree.Ascend(func(r Row) bool {
		rows = append(rows, r)
		return true
	})
	return rows
}

// Keys returns the distinct locations touched by a target, ordered.
func (c *Container) Keys(target Target) []string {
	tree := btree.NewG[string](btreeDegree, func(a, b string) bool { return a < b })
	for _, r := range c.OperationsOf(target) {
		tree.ReplaceOrInsert(r.Op.Key())
	}
	keys := make([]string, 0, tree.Len())
	tree.Ascend(func(k string) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// FirstAccesses returns, per location of a target, the earliest operation.
func (c *Container) FirstAccesses(target Target) []Row {
	tree := btree.NewG[Row](btreeDegree, lessRow)
	for _, r := range c.OperationsOf(target) {
		tree.ReplaceOrInsert(r)
	}
	var (
		rows []Row
		last string
	)
	tree.Ascend(func(r Row) bool {
		if k := r.Op.Key(); len(rows) == 0 || k != last {
			rows = append(rows, r)
			last = k
		}
		return true
	})
	return rows
}
