package plan

import (
	"math/bits"
	"sync"
)

// ChunkSet is a set of chunk indices in [0, total). It is safe for concurrent use.
type ChunkSet struct {
	mu    sync.RWMutex
	words []uint64
	count int
	total int
}

// NewChunkSet creates a set for total chunks holding the given indices.
// Indices outside [0, total) are ignored.
func NewChunkSet(total int, indices ...int) *ChunkSet {
	if total < 0 {
		total = 0
	}
	s := &ChunkSet{
		words: make([]uint64, (total+63)/64),
		total: total,
	}
	for _, i := range indices {
		s.Add(i)
	}
	return s
}

// Add inserts the index and reports whether it was newly added.
func (s *ChunkSet) Add(index int) bool {
	if index < 0 || index >= s.total {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	word, bit := index/64, uint(index%64)
	if s.words[word]&(1<<bit) != 0 {
		return false
	}
	s.words[word] |= 1 << bit
	s.count++
	return true
}

// Has reports whether the index is in the set.
func (s *ChunkSet) Has(index int) bool {
	if index < 0 || index >= s.total {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.words[index/64]&(1<<uint(index%64)) != 0
}

// Len returns the number of indices in the set.
func (s *ChunkSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Total returns the upper bound of the set.
func (s *ChunkSet) Total() int {
	return s.total
}

// Complete reports whether every index in [0, total) is present.
func (s *ChunkSet) Complete() bool {
	return s.Len() == s.total
}

// Indices returns the members in ascending order.
func (s *ChunkSet) Indices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indices := make([]int, 0, s.count)
	for w, word := range s.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			indices = append(indices, w*64+bit)
			word &= word - 1
		}
	}
	return indices
}

// Missing returns the indices in [0, total) not in the set, in ascending order.
func (s *ChunkSet) Missing() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]int, 0, s.total-s.count)
	for i := 0; i < s.total; i++ {
		if s.words[i/64]&(1<<uint(i%64)) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}
