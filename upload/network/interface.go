package network

import (
	"context"
	"io"
)

// Service is the chunk persistence service a resumable upload talks to.
type Service interface {
	CheckChunks(context.Context, CheckChunksRequest) (CheckChunksResponse, error)
	UploadChunk(context.Context, ChunkUploadRequest) error
	Merge(context.Context, MergeRequest) (MergeResponse, error)
}

// CheckChunksRequest asks which chunks of an upload are already stored.
type CheckChunksRequest struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
}

// CheckChunksResponse ...
type CheckChunksResponse struct {
	Success        bool  `json:"success"`
	ExistingChunks []int `json:"existingChunks"`
}

// ChunkUploadRequest carries a single chunk and its metadata.
type ChunkUploadRequest struct {
	UploadID    string
	FileName    string
	ChunkIndex  int
	TotalChunks int
	// Path names the staging namespace of the assembled file.
	Path string
	Data io.Reader
	Size int64
}

// MergeRequest asks the service to assemble the stored chunks.
type MergeRequest struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	Path        string `json:"path"`
}

// MergeResponse references the assembled artifact.
type MergeResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Error   string `json:"error,omitempty"`
}
