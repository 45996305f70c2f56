package chunkuploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Transfer describes one transmission of an upload plan.
type Transfer struct {
	Plan     plan.UploadPlan
	Meta     Meta
	Provider ChunkProvider
	// Confirmed holds the chunks the service already stores. It grows as
	// chunks are sent and is left as is when the transfer stops early.
	Confirmed *plan.ChunkSet
	// Cancelled is polled before every chunk. Optional.
	Cancelled func() bool
	// OnProgress is called after every chunk. Optional.
	OnProgress ProgressFunc
}

// Report summarizes a transmission.
type Report struct {
	BytesTransferred uint64
	SentChunks       int
	SkippedChunks    int
	Duration         time.Duration
}

// Uploader sends chunks sequentially to a persistence service.
type Uploader struct {
	config  Config
	service network.Service
	logger  log.Logger
	stats   *Stats
}

// New creates a new Uploader with the given configuration.
func New(service network.Service, config Config, logger log.Logger) *Uploader {
	return &Uploader{
		config:  config.withDefaults(),
		service: service,
		logger:  logger,
		stats:   NewStats(),
	}
}

// Stats returns the upload statistics accumulated by this Uploader.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload sends every chunk of the plan missing from t.Confirmed, in index
// order. It returns ErrCancelled if cancellation was observed before a chunk,
// or a *ChunkError for the first chunk that could not be sent.
func (u *Uploader) Upload(ctx context.Context, t Transfer) (report Report, err error) {
	if t.Confirmed == nil {
		t.Confirmed = plan.NewChunkSet(t.Plan.TotalChunks)
	}
	if t.Confirmed.Total() != t.Plan.TotalChunks {
		return Report{}, fmt.Errorf("chunk set bound (%d) does not match the plan (%d chunks)", t.Confirmed.Total(), t.Plan.TotalChunks)
	}

	start := u.config.Now()
	sampler := NewThroughputSampler(u.config.SampleInterval, u.config.Now, 0)
	defer func() {
		report.Duration = u.config.Now().Sub(start)
	}()

	for _, r := range t.Plan.Ranges {
		if t.Confirmed.Has(r.Index) {
			report.BytesTransferred += r.Length
			report.SkippedChunks++
			sampler.Skip(r.Length)
			u.stats.Skip()
			u.logger.Debugf("Chunk %d/%d already stored, skipping", r.Index+1, t.Plan.TotalChunks)
			u.notify(t, report.BytesTransferred, sampler.Rate())
			continue
		}

		if cancelRequested(ctx, t.Cancelled) {
			u.logger.Warnf("Upload cancelled before chunk %d/%d", r.Index+1, t.Plan.TotalChunks)
			return report, ErrCancelled
		}

		u.logger.Debugf("Uploading chunk %d/%d (%d bytes) [sent=%d] [avg=%v]",
			r.Index+1, t.Plan.TotalChunks, r.Length,
			u.stats.SentCount(), u.stats.Average().Round(time.Millisecond))

		chunkStart := u.config.Now()
		if err := u.uploadChunk(ctx, t, r); err != nil {
			u.logger.Warnf("Chunk %d/%d failed: %s", r.Index+1, t.Plan.TotalChunks, err)
			return report, &ChunkError{Index: r.Index, Err: err}
		}
		took := u.config.Now().Sub(chunkStart)

		t.Confirmed.Add(r.Index)
		report.BytesTransferred += r.Length
		report.SentChunks++
		u.stats.Update(took, r.Length)
		u.logger.Debugf("Chunk %d/%d uploaded in %v", r.Index+1, t.Plan.TotalChunks, took.Round(time.Millisecond))

		u.notify(t, report.BytesTransferred, sampler.Observe(report.BytesTransferred))
	}

	return report, nil
}

// uploadChunk detaches the request from ctx so a chunk that was started
// finishes even if the upload is cancelled meanwhile.
func (u *Uploader) uploadChunk(ctx context.Context, t Transfer, r plan.ChunkRange) error {
	reader, err := t.Provider.GetChunk(r)
	if err != nil {
		return fmt.Errorf("get chunk: %w", err)
	}

	chunkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.config.ChunkTimeout)
	defer cancel()

	return u.service.UploadChunk(chunkCtx, network.ChunkUploadRequest{
		UploadID:    t.Plan.UploadID,
		FileName:    t.Meta.FileName,
		ChunkIndex:  r.Index,
		TotalChunks: t.Plan.TotalChunks,
		Path:        t.Meta.Path,
		Data:        reader,
		Size:        int64(r.Length),
	})
}

func (u *Uploader) notify(t Transfer, transferred uint64, rate float64) {
	if t.OnProgress == nil {
		return
	}
	t.OnProgress(Progress{
		UploadedBytes:   transferred,
		TotalBytes:      t.Plan.SizeBytes,
		ConfirmedChunks: t.Confirmed.Len(),
		TotalChunks:     t.Plan.TotalChunks,
		BytesPerSecond:  rate,
	})
}

func cancelRequested(ctx context.Context, cancelled func() bool) bool {
	if ctx.Err() != nil {
		return true
	}
	return cancelled != nil && cancelled()
}
