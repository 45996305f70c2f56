package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-resumable/upload/plan"
)

// ReaderAtChunkProvider serves chunk ranges from an io.ReaderAt.
type ReaderAtChunkProvider struct {
	source io.ReaderAt
	size   uint64
}

// NewReaderAtChunkProvider creates a ChunkProvider over size bytes of source.
func NewReaderAtChunkProvider(source io.ReaderAt, size uint64) *ReaderAtChunkProvider {
	return &ReaderAtChunkProvider{source: source, size: size}
}

// NewByteSliceChunkProvider creates a ChunkProvider over an in-memory buffer.
func NewByteSliceChunkProvider(data []byte) *ReaderAtChunkProvider {
	return NewReaderAtChunkProvider(bytes.NewReader(data), uint64(len(data)))
}

// GetChunk returns a reader for the given range. The data is read into
// memory so a short read is detected before anything is sent.
func (p *ReaderAtChunkProvider) GetChunk(r plan.ChunkRange) (io.Reader, error) {
	if r.End() > p.size {
		return nil, fmt.Errorf("chunk %d [%d, %d) is out of the source bounds (%d bytes)", r.Index, r.Offset, r.End(), p.size)
	}

	chunk := make([]byte, r.Length)
	n, err := p.source.ReadAt(chunk, int64(r.Offset))
	if err != nil && !(err == io.EOF && uint64(n) == r.Length) {
		return nil, fmt.Errorf("read chunk %d: %w", r.Index, err)
	}
	return bytes.NewReader(chunk), nil
}

// FileChunkProvider reads chunks from a file on disk.
type FileChunkProvider struct {
	*ReaderAtChunkProvider
	file *os.File
}

// NewFileChunkProvider creates a ChunkProvider that reads from a file.
func NewFileChunkProvider(path string) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		ReaderAtChunkProvider: NewReaderAtChunkProvider(file, uint64(info.Size())),
		file:                  file,
	}, nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
