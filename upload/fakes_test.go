package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/stretchr/testify/mock"
)

// memoryService is an in-memory persistence service following the merge
// rules of the reference chunk store.
type memoryService struct {
	mu         sync.Mutex
	chunks     map[string]map[int][]byte
	merged     map[string][]byte
	chunkCalls []int
	mergeCalls int
	checkCalls int
	checkErr   error
	failChunk  map[int]error
	onChunk    func(index int)
}

func newMemoryService() *memoryService {
	return &memoryService{
		chunks:    map[string]map[int][]byte{},
		merged:    map[string][]byte{},
		failChunk: map[int]error{},
	}
}

func (s *memoryService) CheckChunks(_ context.Context, req network.CheckChunksRequest) (network.CheckChunksResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkCalls++
	if s.checkErr != nil {
		return network.CheckChunksResponse{}, s.checkErr
	}

	existing := []int{}
	for i := 0; i < req.TotalChunks; i++ {
		if _, ok := s.chunks[req.UploadID][i]; ok {
			existing = append(existing, i)
		}
	}
	return network.CheckChunksResponse{Success: true, ExistingChunks: existing}, nil
}

func (s *memoryService) UploadChunk(_ context.Context, req network.ChunkUploadRequest) error {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.chunkCalls = append(s.chunkCalls, req.ChunkIndex)
	failure := s.failChunk[req.ChunkIndex]
	onChunk := s.onChunk
	if failure == nil {
		if s.chunks[req.UploadID] == nil {
			s.chunks[req.UploadID] = map[int][]byte{}
		}
		s.chunks[req.UploadID][req.ChunkIndex] = data
	}
	s.mu.Unlock()

	if onChunk != nil {
		onChunk(req.ChunkIndex)
	}
	return failure
}

func (s *memoryService) Merge(_ context.Context, req network.MergeRequest) (network.MergeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mergeCalls++
	var buf bytes.Buffer
	for i := 0; i < req.TotalChunks; i++ {
		chunk, ok := s.chunks[req.UploadID][i]
		if !ok {
			return network.MergeResponse{}, &network.StatusError{StatusCode: 400, Body: fmt.Sprintf(`{"error":"Missing chunk %d"}`, i)}
		}
		buf.Write(chunk)
	}
	delete(s.chunks, req.UploadID)

	artifactPath := path.Join(req.Path, req.FileName)
	s.merged[artifactPath] = buf.Bytes()
	return network.MergeResponse{Success: true, Path: artifactPath}, nil
}

func (s *memoryService) calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunkCalls...)
}

func (s *memoryService) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkCalls = nil
	s.failChunk = map[int]error{}
}

func (s *memoryService) storeChunks(uploadID string, chunks map[int][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[uploadID] = chunks
}

type mockService struct {
	mock.Mock
}

func (m *mockService) CheckChunks(ctx context.Context, req network.CheckChunksRequest) (network.CheckChunksResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(network.CheckChunksResponse), args.Error(1)
}

func (m *mockService) UploadChunk(ctx context.Context, req network.ChunkUploadRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockService) Merge(ctx context.Context, req network.MergeRequest) (network.MergeResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(network.MergeResponse), args.Error(1)
}

type recordingTracker struct {
	mu       sync.Mutex
	results  []Result
	errs     []error
	waitDone bool
}

func (t *recordingTracker) LogSession(result Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, result)
	t.errs = append(t.errs, err)
}

func (t *recordingTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitDone = true
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

var errConnectionReset = errors.New("connection reset by peer")
