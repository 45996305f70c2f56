package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks chunk upload metrics for logging and reporting.
type Stats struct {
	sum           time.Duration
	sentChunks    int
	sentBytes     uint64
	skippedChunks int
	mu            sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload.
func (s *Stats) Update(d time.Duration, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.sentChunks++
	s.sentBytes += size
}

// Skip records a chunk the service already held.
func (s *Stats) Skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedChunks++
}

// Average returns the average upload duration of sent chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sentChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.sentChunks)
}

// SentCount returns the number of chunks sent over the network.
func (s *Stats) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentChunks
}

// SentBytes returns the number of bytes sent over the network.
func (s *Stats) SentBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentBytes
}

// SkippedCount returns the number of chunks skipped because they were already stored.
func (s *Stats) SkippedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skippedChunks
}

// TotalDuration returns the sum of all chunk upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// ThroughputSampler computes a rate over sampling windows of at least
// interval length, rather than a cumulative average.
type ThroughputSampler struct {
	interval   time.Duration
	now        func() time.Time
	sampleTime time.Time
	sampleSize uint64
	rate       float64
}

// NewThroughputSampler creates a sampler starting at the given byte count.
func NewThroughputSampler(interval time.Duration, now func() time.Time, start uint64) *ThroughputSampler {
	return &ThroughputSampler{
		interval:   interval,
		now:        now,
		sampleTime: now(),
		sampleSize: start,
	}
}

// Skip moves the baseline by n bytes that were not transferred.
func (s *ThroughputSampler) Skip(n uint64) {
	s.sampleSize += n
}

// Observe records the current byte count and returns the latest rate in bytes per second.
func (s *ThroughputSampler) Observe(total uint64) float64 {
	now := s.now()
	elapsed := now.Sub(s.sampleTime)
	if elapsed < s.interval || elapsed <= 0 {
		return s.rate
	}

	var delta uint64
	if total > s.sampleSize {
		delta = total - s.sampleSize
	}
	s.rate = float64(delta) / elapsed.Seconds()
	s.sampleTime = now
	s.sampleSize = total
	return s.rate
}

// Rate returns the last sampled rate in bytes per second.
func (s *ThroughputSampler) Rate() float64 {
	return s.rate
}
