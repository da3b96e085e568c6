package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForEachFragmentOrder(t *testing.T) {
	s := New()
	s.AddFragment([]byte("a"))
	s.AddFragment([]byte("bc"))

	other := New()
	other.AddFragment([]byte("def"))
	s.Append(other)

	require.Equal(t, 3, s.NumFragments())
	require.Equal(t, 6, s.NumBytes())
	require.Equal(t, "abcdef", string(s.Bytes()))
}

func TestForEachFragmentEarlyExit(t *testing.T) {
	s := New()
	s.AddFragment([]byte("1"))
	s.AddFragment([]byte("2"))
	s.AddFragment([]byte("3"))

	var seen []byte
	s.ForEachFragment(func(b []byte) bool {
		seen = append(seen, b...)
		return len(seen) < 2
	})
	require.Equal(t, "12", string(seen))
}

func TestAppendEmptyStreamIsNoop(t *testing.T) {
	s := New()
	s.AddFragment([]byte("x"))
	s.Append(New())
	require.Equal(t, 1, s.NumFragments())
}
