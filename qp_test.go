package rdma

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQpTableAllocAndGet(t *testing.T) {
	tbl := newQpTable()

	qpn, err := tbl.alloc(0, &qpConfig{pd: Pd(1), qpType: QpTypeRC, pmtu: PmtuMtu1024})
	require.NoError(t, err)

	e, ok := tbl.get(qpn)
	require.True(t, ok)
	assert.Equal(t, Pd(1), e.pd)
	assert.Equal(t, QpTypeRC, e.qpType)
}

func TestQpTableAllocPreferredQpn(t *testing.T) {
	tbl := newQpTable()

	qpn, err := tbl.alloc(42, &qpConfig{qpType: QpTypeRC, pmtu: PmtuMtu1024})
	require.NoError(t, err)
	assert.Equal(t, Qpn(42), qpn)
}

func TestQpTableDeallocThenWithQPFails(t *testing.T) {
	tbl := newQpTable()
	qpn, err := tbl.alloc(0, &qpConfig{qpType: QpTypeRC, pmtu: PmtuMtu1024})
	require.NoError(t, err)

	tbl.dealloc(qpn)
	err = tbl.withQP(qpn, func(e *qpEntry) error { return nil })
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalid))
}

func TestQpEntryNextSendPsnWraps(t *testing.T) {
	e := &qpEntry{sendPsn: PsnModulus - 2}
	assert.Equal(t, uint32(PsnModulus-2), e.nextSendPsn(1))
	assert.Equal(t, uint32(PsnModulus-1), e.nextSendPsn(2))
	assert.Equal(t, uint32(1), e.sendPsn)
}

func TestQpEntryPsnCompare(t *testing.T) {
	e := &qpEntry{expectedPsn: 100}
	assert.Equal(t, 0, e.psnCompare(100))
	assert.Equal(t, -1, e.psnCompare(99))
	assert.Equal(t, 1, e.psnCompare(101))
}

func TestQpEntryPsnCompareWrapsAtModulus(t *testing.T) {
	e := &qpEntry{expectedPsn: 0}
	assert.Equal(t, -1, e.psnCompare(PsnModulus-1), "one below zero modulo PsnModulus is a duplicate, not ahead")
	assert.Equal(t, 1, e.psnCompare(1))
}

func TestQpEntryAdvanceExpectedWraps(t *testing.T) {
	e := &qpEntry{expectedPsn: PsnModulus - 1}
	e.advanceExpected()
	assert.Equal(t, uint32(0), e.expectedPsn)
}

func TestWithQPSerializesAgainstConcurrentCallers(t *testing.T) {
	tbl := newQpTable()
	qpn, err := tbl.alloc(0, &qpConfig{qpType: QpTypeRC, pmtu: PmtuMtu1024})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tbl.withQP(qpn, func(e *qpEntry) error {
				e.sendPsn++
				return nil
			})
		}()
	}
	wg.Wait()

	e, _ := tbl.get(qpn)
	assert.Equal(t, uint32(100), e.sendPsn)
}
