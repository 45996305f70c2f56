// Package chunkstore is the persistence side of the resumable upload
// protocol: it keeps the chunks of unfinished uploads keyed by upload id and
// assembles them into the final artifact on request.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// DefaultPath is the namespace of artifacts merged without a path.
const DefaultPath = "uploads"

const maxUploadIDLength = 128

// ErrInvalidArgument is wrapped by errors caused by malformed requests.
var ErrInvalidArgument = errors.New("invalid argument")

// MissingChunkError is returned by Merge if a chunk was never stored.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("Missing chunk %d", e.Index)
}

// ChunkMeta identifies a stored chunk.
type ChunkMeta struct {
	UploadID    string
	Index       int
	TotalChunks int
	FileName    string
	Path        string
}

// MergeParams ...
type MergeParams struct {
	UploadID    string
	FileName    string
	TotalChunks int
	Path        string
}

// Store persists chunks and assembles artifacts.
type Store interface {
	// ExistingChunks returns the stored indices in [0, totalChunks), ascending.
	ExistingChunks(ctx context.Context, uploadID string, totalChunks int) ([]int, error)
	// PutChunk stores a chunk, replacing an earlier copy of the same index.
	// The chunk becomes visible only once it was completely received.
	PutChunk(ctx context.Context, meta ChunkMeta, data io.Reader) error
	// Merge concatenates the chunks in index order into the artifact and
	// returns its path. A repeated merge of an assembled upload returns the
	// same path without assembling it again.
	Merge(ctx context.Context, params MergeParams) (string, error)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// validateUploadID accepts the identifiers produced by the clients: base64
// and base36 alphabets, which never contain path separators.
func validateUploadID(uploadID string) error {
	if uploadID == "" {
		return invalidf("upload id is empty")
	}
	if len(uploadID) > maxUploadIDLength {
		return invalidf("upload id is longer than %d characters", maxUploadIDLength)
	}
	for _, r := range uploadID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return invalidf("upload id contains %q", r)
		}
	}
	return nil
}

func validateTotalChunks(totalChunks int) error {
	if totalChunks < 0 {
		return invalidf("total chunks is negative: %d", totalChunks)
	}
	return nil
}

func validateChunk(meta ChunkMeta) error {
	if err := validateUploadID(meta.UploadID); err != nil {
		return err
	}
	if meta.TotalChunks <= 0 {
		return invalidf("total chunks should be positive, got %d", meta.TotalChunks)
	}
	if meta.Index < 0 || meta.Index >= meta.TotalChunks {
		return invalidf("chunk index %d is out of range [0, %d)", meta.Index, meta.TotalChunks)
	}
	return nil
}

// cleanFileName returns the NFC form of the file name.
func cleanFileName(fileName string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == ".." {
		return "", invalidf("invalid file name %q", fileName)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", invalidf("file name %q contains a path separator", fileName)
	}
	return name, nil
}

// cleanPath returns the NFC form of the artifact namespace as a relative,
// slash separated path that cannot leave the store root.
func cleanPath(p string) (string, error) {
	p = norm.NFC.String(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"))
	if strings.ContainsRune(p, 0) {
		return "", invalidf("path %q contains a NUL byte", p)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", invalidf("path %q leaves the upload root", p)
		}
	}

	cleaned := strings.Trim(path.Clean("/"+p), "/")
	if cleaned == "" {
		return DefaultPath, nil
	}
	if strings.HasPrefix(cleaned, ".") {
		return "", invalidf("path %q is reserved", p)
	}
	return cleaned, nil
}

// target is the location of a merged artifact relative to the store root.
type target struct {
	dir      string
	fileName string
}

func (t target) path() string {
	return path.Join(t.dir, t.fileName)
}

func resolveTarget(params MergeParams) (target, error) {
	if err := validateUploadID(params.UploadID); err != nil {
		return target{}, err
	}
	if err := validateTotalChunks(params.TotalChunks); err != nil {
		return target{}, err
	}
	fileName, err := cleanFileName(params.FileName)
	if err != nil {
		return target{}, err
	}
	dir, err := cleanPath(params.Path)
	if err != nil {
		return target{}, err
	}
	return target{dir: dir, fileName: fileName}, nil
}

// keyedMutex serializes operations on the same upload id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
