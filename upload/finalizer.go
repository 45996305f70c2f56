package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ArtifactRef references the assembled artifact.
type ArtifactRef struct {
	Path string
}

// FinalizeParams ...
type FinalizeParams struct {
	UploadID    string
	FileName    string
	TotalChunks int
	Path        string
}

// Finalizer asks the persistence service to merge the chunks of an upload.
type Finalizer struct {
	service network.Service
	timeout time.Duration
	logger  log.Logger
}

// NewFinalizer ...
func NewFinalizer(service network.Service, timeout time.Duration, logger log.Logger) Finalizer {
	return Finalizer{service: service, timeout: timeout, logger: logger}
}

// Finalize merges the chunks. It refuses to send anything unless confirmed
// holds every chunk of the upload.
func (f Finalizer) Finalize(ctx context.Context, params FinalizeParams, confirmed *plan.ChunkSet) (ArtifactRef, error) {
	if confirmed == nil || confirmed.Total() != params.TotalChunks || !confirmed.Complete() {
		return ArtifactRef{}, newError(KindPreconditionViolation, -1, preconditionDetail(params.TotalChunks, confirmed))
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	f.logger.Debugf("Merging %d chunks of upload %s", params.TotalChunks, params.UploadID)
	resp, err := f.service.Merge(ctx, network.MergeRequest{
		UploadID:    params.UploadID,
		FileName:    params.FileName,
		TotalChunks: params.TotalChunks,
		Path:        params.Path,
	})
	if err != nil {
		return ArtifactRef{}, newError(KindMergeFailed, -1, err)
	}
	if !resp.Success {
		detail := resp.Error
		if detail == "" {
			detail = "service reported an unsuccessful merge"
		}
		return ArtifactRef{}, newError(KindMergeFailed, -1, errors.New(detail))
	}
	if resp.Path == "" {
		return ArtifactRef{}, newError(KindMergeFailed, -1, errors.New("merge response has no artifact path"))
	}

	return ArtifactRef{Path: resp.Path}, nil
}

func preconditionDetail(totalChunks int, confirmed *plan.ChunkSet) error {
	if confirmed == nil {
		return fmt.Errorf("no confirmed chunks for %d chunks", totalChunks)
	}
	if confirmed.Total() != totalChunks {
		return fmt.Errorf("confirmed set is bound to %d chunks, upload has %d", confirmed.Total(), totalChunks)
	}
	missing := confirmed.Missing()
	if len(missing) > 8 {
		missing = missing[:8]
	}
	return fmt.Errorf("%d/%d chunks confirmed, first missing %v", confirmed.Len(), totalChunks, missing)
}
