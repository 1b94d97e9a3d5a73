package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPdTableAllocAndValid(t *testing.T) {
	tbl := newPdTable()

	pd, err := tbl.alloc()
	require.NoError(t, err)
	assert.True(t, tbl.valid(pd))

	tbl.dealloc(pd)
	assert.False(t, tbl.valid(pd))
}

func TestPdTableDeallocUnknownIsNoop(t *testing.T) {
	tbl := newPdTable()
	assert.NotPanics(t, func() { tbl.dealloc(Pd(9999)) })
}

func TestPdTableExhaustion(t *testing.T) {
	tbl := newPdTable()
	tbl.maxPd = 2

	_, err := tbl.alloc()
	require.NoError(t, err)
	_, err = tbl.alloc()
	require.NoError(t, err)

	_, err = tbl.alloc()
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeResourceExhausted))
}

func TestPdTableReusesFreedSlot(t *testing.T) {
	tbl := newPdTable()
	tbl.maxPd = 1

	pd, err := tbl.alloc()
	require.NoError(t, err)
	tbl.dealloc(pd)

	again, err := tbl.alloc()
	require.NoError(t, err)
	assert.Equal(t, pd, again)
}
