// Package chunkuploader transmits the chunks of an upload plan one at a time,
// in ascending index order, skipping chunks the service already holds.
package chunkuploader

import (
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/docker/go-units"
)

// ErrCancelled is returned when cancellation was observed between two chunks.
var ErrCancelled = errors.New("chunk upload cancelled")

// ChunkError is returned when transmitting a chunk failed.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("upload chunk %d: %s", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// GetChunk returns a reader over the bytes of the given range.
	GetChunk(r plan.ChunkRange) (io.Reader, error)
}

// Meta is the side-channel metadata sent with every chunk.
type Meta struct {
	FileName string
	// Path names the staging namespace of the assembled file.
	Path string
}

// Progress is reported after every chunk.
type Progress struct {
	UploadedBytes   uint64
	TotalBytes      uint64
	ConfirmedChunks int
	TotalChunks     int
	// BytesPerSecond is the rate of the last throughput sample.
	BytesPerSecond float64
	// Done is set once the upload was finalized.
	Done bool
}

// Percentage returns the completion percentage. It stays below 100 until
// the upload was finalized.
func (p Progress) Percentage() int {
	if p.Done {
		return 100
	}
	if p.TotalBytes == 0 {
		return 0
	}

	percentage := int(float64(p.UploadedBytes) / float64(p.TotalBytes) * 100)
	if percentage > 99 {
		percentage = 99
	}
	return percentage
}

// Speed returns the sampled rate in a human readable form.
func (p Progress) Speed() string {
	return units.BytesSize(p.BytesPerSecond) + "/s"
}

// ProgressFunc receives progress events.
type ProgressFunc func(Progress)
