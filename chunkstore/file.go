package chunkstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bitrise-io/go-resumable/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	chunksDirName  = ".chunks"
	mergedDirName  = ".merged"
	tempFilePrefix = ".tmp-"
)

// FileStore keeps chunks on the local filesystem:
// <root>/.chunks/<uploadId>/<index>. Merged artifacts are written to
// <root>/<path>/<fileName>.
type FileStore struct {
	root   string
	osImpl internal.OsProxy
	logger log.Logger
	locks  keyedMutex
}

// NewFileStore creates a FileStore rooted at root.
func NewFileStore(root string, logger log.Logger) (*FileStore, error) {
	return newFileStore(root, internal.RealOS{}, logger)
}

func newFileStore(root string, osImpl internal.OsProxy, logger log.Logger) (*FileStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	for _, dir := range []string{filepath.Join(absRoot, chunksDirName), filepath.Join(absRoot, chunksDirName, mergedDirName)} {
		if err := osImpl.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FileStore{root: absRoot, osImpl: osImpl, logger: logger}, nil
}

// Root returns the absolute store root.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) chunkDir(uploadID string) string {
	return filepath.Join(s.root, chunksDirName, uploadID)
}

func (s *FileStore) chunkPath(uploadID string, index int) string {
	return filepath.Join(s.chunkDir(uploadID), strconv.Itoa(index))
}

func (s *FileStore) markerPath(uploadID string) string {
	return filepath.Join(s.root, chunksDirName, mergedDirName, uploadID+".json")
}

// ExistingChunks ...
func (s *FileStore) ExistingChunks(_ context.Context, uploadID string, totalChunks int) ([]int, error) {
	if err := validateUploadID(uploadID); err != nil {
		return nil, err
	}
	if err := validateTotalChunks(totalChunks); err != nil {
		return nil, err
	}

	entries, err := s.osImpl.ReadDir(s.chunkDir(uploadID))
	if errors.Is(err, fs.ErrNotExist) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	existing := []int{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		index, err := strconv.Atoi(entry.Name())
		if err != nil || index < 0 || index >= totalChunks || strconv.Itoa(index) != entry.Name() {
			continue
		}
		existing = append(existing, index)
	}
	sort.Ints(existing)
	return existing, nil
}

// PutChunk writes the chunk to a temporary file and renames it into place.
func (s *FileStore) PutChunk(ctx context.Context, meta ChunkMeta, data io.Reader) error {
	if err := validateChunk(meta); err != nil {
		return err
	}

	dir := s.chunkDir(meta.UploadID)
	if err := s.osImpl.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	tmpPath := filepath.Join(dir, tempFilePrefix+uuid.NewString())
	if err := s.writeFile(ctx, tmpPath, data); err != nil {
		return fmt.Errorf("write chunk %d: %w", meta.Index, err)
	}

	unlock := s.locks.lock(meta.UploadID)
	defer unlock()

	if err := s.osImpl.Rename(tmpPath, s.chunkPath(meta.UploadID, meta.Index)); err != nil {
		s.removeQuietly(tmpPath)
		return fmt.Errorf("store chunk %d: %w", meta.Index, err)
	}

	s.logger.Debugf("Stored chunk %d/%d of upload %s", meta.Index+1, meta.TotalChunks, meta.UploadID)
	return nil
}

type mergeMarker struct {
	Path        string `json:"path"`
	TotalChunks int    `json:"totalChunks"`
}

// Merge assembles the chunks into <root>/<path>/<fileName> through a
// temporary file, then removes the chunks.
func (s *FileStore) Merge(ctx context.Context, params MergeParams) (string, error) {
	t, err := resolveTarget(params)
	if err != nil {
		return "", err
	}

	unlock := s.locks.lock(params.UploadID)
	defer unlock()

	if marker, ok := s.readMarker(params.UploadID); ok && marker.Path == t.path() && marker.TotalChunks == params.TotalChunks {
		if _, err := s.osImpl.Stat(s.chunkDir(params.UploadID)); errors.Is(err, fs.ErrNotExist) {
			s.logger.Printf("Upload %s is already merged into %s", params.UploadID, marker.Path)
			return marker.Path, nil
		}
	}

	for i := 0; i < params.TotalChunks; i++ {
		if _, err := s.osImpl.Stat(s.chunkPath(params.UploadID, i)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", &MissingChunkError{Index: i}
			}
			return "", fmt.Errorf("check chunk %d: %w", i, err)
		}
	}

	targetDir := filepath.Join(s.root, filepath.FromSlash(t.dir))
	if err := s.osImpl.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	tmpPath := filepath.Join(targetDir, tempFilePrefix+uuid.NewString())
	chunks := s.chunkReader(params.UploadID, params.TotalChunks)
	err = s.writeFile(ctx, tmpPath, chunks)
	chunks.Close() //nolint:errcheck
	if err != nil {
		return "", fmt.Errorf("merge chunks: %w", err)
	}
	if err := s.osImpl.Rename(tmpPath, filepath.Join(targetDir, t.fileName)); err != nil {
		s.removeQuietly(tmpPath)
		return "", fmt.Errorf("move merged file: %w", err)
	}

	if err := s.writeMarker(params.UploadID, mergeMarker{Path: t.path(), TotalChunks: params.TotalChunks}); err != nil {
		s.logger.Warnf("Failed to record merge of upload %s: %s", params.UploadID, err)
	}
	if err := s.osImpl.RemoveAll(s.chunkDir(params.UploadID)); err != nil {
		s.logger.Warnf("Failed to remove chunks of upload %s: %s", params.UploadID, err)
	}

	s.logger.Infof("Merged %d chunk(s) of upload %s into %s", params.TotalChunks, params.UploadID, t.path())
	return t.path(), nil
}

// chunkReader streams the chunks in index order.
func (s *FileStore) chunkReader(uploadID string, totalChunks int) *io.PipeReader {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < totalChunks; i++ {
			f, err := s.osImpl.Open(s.chunkPath(uploadID, i))
			if err != nil {
				pw.CloseWithError(fmt.Errorf("open chunk %d: %w", i, err))
				return
			}
			_, err = io.Copy(pw, f)
			f.Close() //nolint:errcheck
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy chunk %d: %w", i, err))
				return
			}
		}
		pw.Close() //nolint:errcheck
	}()
	return pr
}

func (s *FileStore) writeFile(ctx context.Context, path string, data io.Reader) (err error) {
	f, err := s.osImpl.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			s.removeQuietly(path)
		}
	}()

	if _, err = io.Copy(f, contextReader{ctx: ctx, r: data}); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileStore) readMarker(uploadID string) (mergeMarker, bool) {
	data, err := s.osImpl.ReadFile(s.markerPath(uploadID))
	if err != nil {
		return mergeMarker{}, false
	}
	var marker mergeMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		s.logger.Warnf("Ignoring malformed merge marker of upload %s: %s", uploadID, err)
		return mergeMarker{}, false
	}
	return marker, true
}

func (s *FileStore) writeMarker(uploadID string, marker mergeMarker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}

	markerDir := filepath.Dir(s.markerPath(uploadID))
	tmpPath := filepath.Join(markerDir, tempFilePrefix+uuid.NewString())
	if err := s.writeFile(context.Background(), tmpPath, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := s.osImpl.Rename(tmpPath, s.markerPath(uploadID)); err != nil {
		s.removeQuietly(tmpPath)
		return err
	}
	return nil
}

func (s *FileStore) removeQuietly(path string) {
	if err := s.osImpl.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debugf("Failed to remove %s: %s", path, err)
	}
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
