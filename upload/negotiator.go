package upload

import (
	"context"
	"time"

	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Negotiator asks the persistence service which chunks it already holds.
type Negotiator struct {
	service network.Service
	timeout time.Duration
	logger  log.Logger
}

// NewNegotiator ...
func NewNegotiator(service network.Service, timeout time.Duration, logger log.Logger) Negotiator {
	return Negotiator{service: service, timeout: timeout, logger: logger}
}

// Negotiate returns the stored chunks of the upload. Resuming is an
// optimization only: on any error it returns an empty set and false, which
// makes the transmitter send every chunk.
func (n Negotiator) Negotiate(ctx context.Context, uploadID string, totalChunks int) (*plan.ChunkSet, bool) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	resp, err := n.service.CheckChunks(ctx, network.CheckChunksRequest{
		UploadID:    uploadID,
		TotalChunks: totalChunks,
	})
	if err != nil {
		n.logger.Warnf("Failed to check existing chunks, uploading everything: %s", err)
		return plan.NewChunkSet(totalChunks), false
	}

	existing := plan.NewChunkSet(totalChunks)
	for _, index := range resp.ExistingChunks {
		if index < 0 || index >= totalChunks {
			n.logger.Warnf("Ignoring chunk index %d reported for upload %s (%d chunks)", index, uploadID, totalChunks)
			continue
		}
		existing.Add(index)
	}

	n.logger.Debugf("Found %d/%d existing chunks", existing.Len(), totalChunks)
	return existing, true
}
