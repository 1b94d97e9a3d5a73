package ctrlplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxSetResultWakesWaiter(t *testing.T) {
	c := newCtx()
	go func() {
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, c.SetResult(true))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCtxSetResultTwiceReturnsErrDoubleSet(t *testing.T) {
	c := newCtx()
	require.NoError(t, c.SetResult(false))
	assert.ErrorIs(t, c.SetResult(true), ErrDoubleSet)
}

func TestCtxWaitExpiresWithContext(t *testing.T) {
	c := newCtx()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCtxTearDownUnblocksWaiterWithErrTornDown(t *testing.T) {
	c := newCtx()
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.tearDown()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, ErrTornDown)
}

func TestCtxTearDownAfterSetResultKeepsPublishedResult(t *testing.T) {
	c := newCtx()
	require.NoError(t, c.SetResult(true))
	c.tearDown()

	ok, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistryAllocLookupRemove(t *testing.T) {
	r := NewRegistry()
	opID, c := r.Alloc()

	got, ok := r.Lookup(opID)
	require.True(t, ok)
	assert.Same(t, c, got)

	r.Remove(opID)
	_, ok = r.Lookup(opID)
	assert.False(t, ok)
}

func TestRegistryAllocAssignsDistinctOpIDs(t *testing.T) {
	r := NewRegistry()
	first, _ := r.Alloc()
	second, _ := r.Alloc()
	assert.NotEqual(t, first, second)
}

func TestRegistryTeardownAllResolvesEveryWaiter(t *testing.T) {
	r := NewRegistry()
	opID1, c1 := r.Alloc()
	_, c2 := r.Alloc()

	r.TeardownAll()

	_, err := c1.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTornDown)
	_, err = c2.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTornDown)

	_, ok := r.Lookup(opID1)
	assert.False(t, ok)
}

func TestRegistryLookupUnknownOpID(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(999)
	assert.False(t, ok)
}
