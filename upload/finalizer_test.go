package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var finalizeParams = FinalizeParams{UploadID: "id", FileName: "report.pdf", TotalChunks: 3, Path: "Shared"}

func TestFinalizer_Finalize(t *testing.T) {
	service := new(mockService)
	service.On("Merge", mock.Anything, network.MergeRequest{UploadID: "id", FileName: "report.pdf", TotalChunks: 3, Path: "Shared"}).
		Return(network.MergeResponse{Success: true, Path: "Shared/report.pdf"}, nil)

	f := NewFinalizer(service, time.Second, log.NewLogger())
	artifact, err := f.Finalize(context.Background(), finalizeParams, plan.NewChunkSet(3, 0, 1, 2))

	require.NoError(t, err)
	assert.Equal(t, ArtifactRef{Path: "Shared/report.pdf"}, artifact)
	service.AssertExpectations(t)
}

func TestFinalizer_Finalize_PreconditionViolation(t *testing.T) {
	tests := []struct {
		name      string
		confirmed *plan.ChunkSet
	}{
		{name: "missing chunk", confirmed: plan.NewChunkSet(3, 0, 2)},
		{name: "nothing confirmed", confirmed: plan.NewChunkSet(3)},
		{name: "set bound to another plan", confirmed: plan.NewChunkSet(2, 0, 1)},
		{name: "no set", confirmed: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(mockService)

			f := NewFinalizer(service, time.Second, log.NewLogger())
			_, err := f.Finalize(context.Background(), finalizeParams, tt.confirmed)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPreconditionViolation))
			assert.Equal(t, KindPreconditionViolation, KindOf(err))
			service.AssertNotCalled(t, "Merge", mock.Anything, mock.Anything)
		})
	}
}

func TestFinalizer_Finalize_MergeFailed(t *testing.T) {
	tests := []struct {
		name     string
		response network.MergeResponse
		err      error
		wantMsg  string
	}{
		{
			name:    "missing chunk rejected by the service",
			err:     &network.StatusError{StatusCode: 400, Body: `{"error":"Missing chunk 1"}`},
			wantMsg: "Missing chunk 1",
		},
		{
			name:     "unsuccessful response",
			response: network.MergeResponse{Success: false, Error: "disk full"},
			wantMsg:  "disk full",
		},
		{
			name:     "unsuccessful response without details",
			response: network.MergeResponse{},
			wantMsg:  "unsuccessful merge",
		},
		{
			name:     "response without a path",
			response: network.MergeResponse{Success: true},
			wantMsg:  "no artifact path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(mockService)
			service.On("Merge", mock.Anything, mock.Anything).Return(tt.response, tt.err)

			f := NewFinalizer(service, time.Second, log.NewLogger())
			_, err := f.Finalize(context.Background(), finalizeParams, plan.NewChunkSet(3, 0, 1, 2))

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMergeFailed))
			assert.Contains(t, err.Error(), tt.wantMsg)
			service.AssertNumberOfCalls(t, "Merge", 1)
		})
	}
}

func TestFinalizer_Finalize_ZeroChunks(t *testing.T) {
	service := new(mockService)
	service.On("Merge", mock.Anything, mock.Anything).
		Return(network.MergeResponse{Success: true, Path: "uploads/empty.txt"}, nil)

	f := NewFinalizer(service, time.Second, log.NewLogger())
	artifact, err := f.Finalize(context.Background(), FinalizeParams{UploadID: "id", FileName: "empty.txt"}, plan.NewChunkSet(0))

	require.NoError(t, err)
	assert.Equal(t, "uploads/empty.txt", artifact.Path)
}

func TestError(t *testing.T) {
	cause := errors.New("HTTP 502: bad gateway")
	err := error(newError(KindTransmitFailed, 2, cause))

	assert.Equal(t, "failed to upload chunk 2: HTTP 502: bad gateway", err.Error())
	assert.True(t, errors.Is(err, ErrTransmitFailed))
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransmitFailed, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(cause))
	assert.Equal(t, "transmit_failed", KindTransmitFailed.String())
}
