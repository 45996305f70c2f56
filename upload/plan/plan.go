// Package plan splits a source file into the ordered chunk ranges of a
// resumable upload and derives the upload identifier that correlates those
// chunks across attempts.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultChunkSizeBytes is the chunk size used by the web and mobile clients.
const DefaultChunkSizeBytes uint64 = 5 * 1024 * 1024

// SourceDescriptor identifies the file being uploaded.
type SourceDescriptor struct {
	Name         string
	SizeBytes    uint64
	LastModified time.Time
}

// DescribeFile builds a SourceDescriptor from the file at the given path.
func DescribeFile(path string) (SourceDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SourceDescriptor{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return SourceDescriptor{}, fmt.Errorf("%s is a directory", path)
	}

	return SourceDescriptor{
		Name:         filepath.Base(path),
		SizeBytes:    uint64(info.Size()),
		LastModified: info.ModTime(),
	}, nil
}

// ChunkRange is a contiguous byte range of the source.
type ChunkRange struct {
	Index  int
	Offset uint64
	Length uint64
}

// End returns the offset right after the last byte of the range.
func (r ChunkRange) End() uint64 {
	return r.Offset + r.Length
}

// UploadPlan is the deterministic split of a source into chunks.
type UploadPlan struct {
	UploadID       string
	SizeBytes      uint64
	ChunkSizeBytes uint64
	TotalChunks    int
	Ranges         []ChunkRange
}

// Range returns the chunk range at the given index.
func (p UploadPlan) Range(index int) (ChunkRange, bool) {
	if index < 0 || index >= len(p.Ranges) {
		return ChunkRange{}, false
	}
	return p.Ranges[index], true
}

// Planner computes upload plans.
type Planner struct {
	fallbackID func(key string) string
}

// Option configures a Planner.
type Option func(*Planner)

// WithLegacyFallback makes the planner use the identifier fallback of the
// original web client: a rolling 32-bit hash suffixed with the current time.
// Identifiers produced this way differ between attempts, so uploads whose key
// hits the fallback cannot be resumed.
func WithLegacyFallback(now func() time.Time) Option {
	return func(p *Planner) {
		p.fallbackID = func(key string) string {
			return legacyFallbackID(key, now())
		}
	}
}

// New creates a Planner.
func New(opts ...Option) Planner {
	p := Planner{fallbackID: hashedFallbackID}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Plan computes the upload plan of the source. A zero chunk size selects
// DefaultChunkSizeBytes.
func (p Planner) Plan(d SourceDescriptor, chunkSizeBytes uint64) UploadPlan {
	if chunkSizeBytes == 0 {
		chunkSizeBytes = DefaultChunkSizeBytes
	}

	totalChunks := int(d.SizeBytes / chunkSizeBytes)
	if d.SizeBytes%chunkSizeBytes != 0 {
		totalChunks++
	}

	ranges := make([]ChunkRange, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		offset := uint64(i) * chunkSizeBytes
		length := chunkSizeBytes
		if i == totalChunks-1 {
			length = d.SizeBytes - offset
		}
		ranges = append(ranges, ChunkRange{Index: i, Offset: offset, Length: length})
	}

	return UploadPlan{
		UploadID:       p.UploadID(d),
		SizeBytes:      d.SizeBytes,
		ChunkSizeBytes: chunkSizeBytes,
		TotalChunks:    totalChunks,
		Ranges:         ranges,
	}
}

// UploadID derives the upload identifier of the source.
func (p Planner) UploadID(d SourceDescriptor) string {
	key := identityKey(d)
	if id, err := encodedID(key); err == nil {
		return id
	}
	fallback := p.fallbackID
	if fallback == nil {
		fallback = hashedFallbackID
	}
	return fallback(key)
}

// Plan computes the upload plan with the default Planner.
func Plan(d SourceDescriptor, chunkSizeBytes uint64) UploadPlan {
	return New().Plan(d, chunkSizeBytes)
}
