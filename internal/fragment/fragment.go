// Package fragment implements a zero-copy chained fragment stream used to
// assemble a report's wire bytes (header, metrics, span records) without an
// intermediate copy.
package fragment

// Stream is an ordered, appendable sequence of byte slices. Append copies
// another Stream's fragment descriptors (not their bytes) onto the tail, so
// it costs O(number of fragments appended), not O(1); ForEachFragment
// yields them in order without copying.
type Stream struct {
	fragments [][]byte
	numBytes  int
}

// New returns an empty Stream.
func New() *Stream {
	return &Stream{}
}

// AddFragment appends a single (pointer, length) fragment.
func (s *Stream) AddFragment(b []byte) {
	if len(b) == 0 {
		return
	}
	s.fragments = append(s.fragments, b)
	s.numBytes += len(b)
}

// Append links other's fragments onto the tail of s in O(len(other.fragments)).
func (s *Stream) Append(other *Stream) {
	if other == nil || len(other.fragments) == 0 {
		return
	}
	s.fragments = append(s.fragments, other.fragments...)
	s.numBytes += other.numBytes
}

// NumFragments returns the cached count of (pointer, length) fragments.
func (s *Stream) NumFragments() int { return len(s.fragments) }

// NumBytes returns the cached total byte length across all fragments.
func (s *Stream) NumBytes() int { return s.numBytes }

// ForEachFragment invokes callback with each fragment in order, stopping
// early if callback returns false.
func (s *Stream) ForEachFragment(callback func(b []byte) bool) {
	for _, f := range s.fragments {
		if !callback(f) {
			return
		}
	}
}

// Bytes concatenates every fragment into a single allocation. Intended for
// tests and small debug paths; the wire writer should prefer
// ForEachFragment to stay zero-copy.
func (s *Stream) Bytes() []byte {
	out := make([]byte, 0, s.numBytes)
	s.ForEachFragment(func(b []byte) bool {
		out = append(out, b...)
		return true
	})
	return out
}
