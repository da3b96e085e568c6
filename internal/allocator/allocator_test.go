package allocator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateWithinCapacity(t *testing.T) {
	a := New(64, 4)
	for i := 0; i < 4; i++ {
		buf, err := a.Allocate()
		require.NoError(t, err)
		require.Len(t, buf, 64)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(32, 2)
	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestDeallocateRecycles(t *testing.T) {
	a := New(16, 1)
	buf, err := a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.ErrorIs(t, err, ErrExhausted)

	a.Deallocate(buf)

	buf2, err := a.Allocate()
	require.NoError(t, err)
	require.Len(t, buf2, 16)
}

func TestPassThroughWhenMaxBlocksZero(t *testing.T) {
	a := New(8, 0)
	require.Equal(t, 0, a.MaxBlocks())
	for i := 0; i < 100; i++ {
		buf, err := a.Allocate()
		require.NoError(t, err)
		require.Len(t, buf, 8)
		a.Deallocate(buf)
	}
}

func TestConcurrentAllocateDeallocate(t *testing.T) {
	const blocks = 64
	a := New(32, blocks)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				buf, err := a.Allocate()
				if err != nil {
					continue
				}
				a.Deallocate(buf)
			}
		}()
	}
	wg.Wait()
}
