package pgt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFirstFit(t *testing.T) {
	a := NewAllocator(100)
	idx1, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx1)

	idx2, err := a.Alloc(20)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), idx2)
}

func TestAllocExhausted(t *testing.T) {
	a := NewAllocator(10)
	_, err := a.Alloc(5)
	require.NoError(t, err)
	_, err = a.Alloc(10)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDeallocCoalescesFully(t *testing.T) {
	a := NewAllocator(64)
	i1, _ := a.Alloc(16)
	i2, _ := a.Alloc(16)
	i3, _ := a.Alloc(32)

	a.Dealloc(i2, 16)
	a.Dealloc(i1, 16)
	a.Dealloc(i3, 32)

	assert.True(t, a.FullyFree())
	assert.Equal(t, 1, a.FreeBlockCount())
}

func TestDeallocRandomOrderAlwaysCoalesces(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		a := NewAllocator(256)
		var allocs []struct{ idx, n uint32 }
		for i := 0; i < 8; i++ {
			n := uint32(1 + rng.Intn(16))
			idx, err := a.Alloc(n)
			require.NoError(t, err)
			allocs = append(allocs, struct{ idx, n uint32 }{idx, n})
		}
		rng.Shuffle(len(allocs), func(i, j int) { allocs[i], allocs[j] = allocs[j], allocs[i] })
		for _, al := range allocs {
			a.Dealloc(al.idx, al.n)
		}
		assert.True(t, a.FullyFree(), "trial %d", trial)
	}
}
