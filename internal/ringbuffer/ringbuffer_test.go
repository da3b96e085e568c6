package ringbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndAllotRoundTrip(t *testing.T) {
	b := New(16)
	ok := b.Add(5, func(first, second []byte) {
		copy(first, "hello")
		require.Nil(t, second)
	})
	require.True(t, ok)
	require.Equal(t, 5, b.Size())

	first, second, ok := b.Allot()
	require.True(t, ok)
	require.Nil(t, second)
	require.Equal(t, "hello", string(first))

	b.Consume(5)
	require.Equal(t, 0, b.Size())
	require.False(t, b.HasOutstandingAllotment())
}

func TestAddRejectsWhenFull(t *testing.T) {
	b := New(8)
	require.True(t, b.Add(8, func(first, second []byte) {}))
	require.False(t, b.Add(1, func(first, second []byte) {}), "add must return false rather than overwrite when exactly full")
}

func TestAddWrapsAcrossBoundary(t *testing.T) {
	b := New(8)
	require.True(t, b.Add(6, func(first, second []byte) { copy(first, "abcdef") }))
	first, _, ok := b.Allot()
	require.True(t, ok)
	b.Consume(len(first))

	// Remaining free space wraps across the array boundary.
	ok = b.Add(6, func(first, second []byte) {
		copy(first, []byte("XY"))
		copy(second, []byte("ZZZZ"))
	})
	require.True(t, ok)

	first, second, ok := b.Allot()
	require.True(t, ok)
	got := append(append([]byte{}, first...), second...)
	require.Equal(t, "XYZZZZ", string(got))
}

func TestConcurrentProducersPreserveSizeInvariant(t *testing.T) {
	b := New(1 << 16)
	const n = 1000
	var wg sync.WaitGroup
	var accepted, rejected int32
	var mu sync.Mutex
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				ok := b.Add(32, func(first, second []byte) {
					for i := range first {
						first[i] = 0xAB
					}
					for i := range second {
						second[i] = 0xAB
					}
				})
				mu.Lock()
				if ok {
					accepted++
				} else {
					rejected++
				}
				mu.Unlock()
				require.LessOrEqual(t, b.Size(), b.Capacity())
			}
		}()
	}
	wg.Wait()

	first, second, ok := b.Allot()
	require.True(t, ok)
	for _, byt := range first {
		require.Equal(t, byte(0xAB), byt)
	}
	for _, byt := range second {
		require.Equal(t, byte(0xAB), byt)
	}
}

func TestAllotIdleWhenEmpty(t *testing.T) {
	b := New(16)
	_, _, ok := b.Allot()
	require.False(t, ok)
}
