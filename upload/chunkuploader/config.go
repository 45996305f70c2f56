package chunkuploader

import (
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkTimeout bounds a single chunk request. An in-flight chunk is not
	// interrupted by cancellation, only by this timeout.
	// Default: 5 minutes
	ChunkTimeout time.Duration

	// SampleInterval is the minimum time between two throughput samples.
	// Default: 500 milliseconds
	SampleInterval time.Duration

	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkTimeout:   5 * time.Minute,
		SampleInterval: 500 * time.Millisecond,
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = d.ChunkTimeout
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}
