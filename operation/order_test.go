package operation

import (
	"testing"

	libcommon "github.com/erigontech/erigon-lib/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedRows(t *testing.T) {
	c := NewContainer()
	c.Insert(READ, StackOp{CallID: 2, Address: 1023})                                    // 1
	c.Insert(READ, StackOp{CallID: 1, Address: 1022})                                    // 2
	c.Insert(WRITE, StackOp{CallID: 1, Address: 1023})                                   // 3
	c.Insert(READ, CallContextOp{CallID: 1, Field: TxID, Value: *uint256.NewInt(1)})     // 4
	c.Insert(READ, StackOp{CallID: 1, Address: 1022})                                    // 5
	c.Insert(READ, CallContextOp{CallID: 1, Field: CallerID, Value: *uint256.NewInt(0)}) // 6

	rows := c.SortedRows()
	require.Len(t, rows, 6)
	var got []int
	for _, r := range rows {
		got = append(got, r.RWC)
	}
	// stack: (1,1022)#2 #5, (1,1023)#3, (2,1023)#1; then call context by field
	assert.Equal(t, []int{2, 5, 3, 1, 6, 4}, got)
}

func TestKeysDeduplicate(t *testing.T) {
	c := NewContainer()
	addr := libcommon.HexToAddress("0xbb")
	slot := libcommon.HexToHash("0x01")
	c.Insert(READ, AccountStorageOp{TxID: 1, Address: addr, Slot: slot})
	c.Insert(WRITE, AccountStorageOp{TxID: 1, Address: addr, Slot: slot, Value: *uint256.NewInt(3)})
	c.Insert(READ, AccountStorageOp{TxID: 2, Address: addr, Slot: libcommon.HexToHash("0x02")})

	keys := c.Keys(TargetAccountStorage)
	assert.Len(t, keys, 2)
	assert.Empty(t, c.Keys(TargetTxLog))

	first := c.FirstAccesses(TargetAccountStorage)
	require.Len(t, first, 2)
	assert.Equal(t, 1, first[0].RWC)
	assert.Equal(t, READ, first[0].RW)
	assert.Equal(t, 3, first[1].RWC)
}
