// Package upload implements the client side of the resumable chunked upload
// protocol: a file is split into fixed-size chunks, the service is asked which
// chunks it already stores, the missing ones are sent in order and the
// service is finally asked to merge them.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-resumable/upload/chunkuploader"
	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config ...
type Config struct {
	// ChunkSizeBytes must match the chunk size of the other clients of the
	// service for cross-client resume. Zero selects plan.DefaultChunkSizeBytes.
	ChunkSizeBytes   uint64
	ChunkTimeout     time.Duration
	NegotiateTimeout time.Duration
	MergeTimeout     time.Duration
	SampleInterval   time.Duration
	Now              func() time.Time
	Planner          *plan.Planner
	Tracker          Tracker
}

// DefaultConfig ...
func DefaultConfig() Config {
	chunkConfig := chunkuploader.DefaultConfig()
	return Config{
		ChunkSizeBytes:   plan.DefaultChunkSizeBytes,
		ChunkTimeout:     chunkConfig.ChunkTimeout,
		NegotiateTimeout: 30 * time.Second,
		MergeTimeout:     10 * time.Minute,
		SampleInterval:   chunkConfig.SampleInterval,
		Now:              time.Now,
	}
}

// Uploader creates upload sessions against one persistence service.
type Uploader struct {
	config      Config
	logger      log.Logger
	planner     plan.Planner
	tracker     Tracker
	negotiator  Negotiator
	transmitter *chunkuploader.Uploader
	finalizer   Finalizer
}

// New ...
func New(service network.Service, config Config, logger log.Logger) *Uploader {
	if config.Now == nil {
		config.Now = time.Now
	}

	planner := plan.New()
	if config.Planner != nil {
		planner = *config.Planner
	}
	tracker := config.Tracker
	if tracker == nil {
		tracker = noopTracker{}
	}

	return &Uploader{
		config:     config,
		logger:     logger,
		planner:    planner,
		tracker:    tracker,
		negotiator: NewNegotiator(service, config.NegotiateTimeout, logger),
		transmitter: chunkuploader.New(service, chunkuploader.Config{
			ChunkTimeout:   config.ChunkTimeout,
			SampleInterval: config.SampleInterval,
			Now:            config.Now,
		}, logger),
		finalizer: NewFinalizer(service, config.MergeTimeout, logger),
	}
}

// NewSession creates a session for the request. Call Run to start it.
func (u *Uploader) NewSession(request Request) *Session {
	return newSession(u, request)
}

// UploadFile uploads the file at path into the targetPath namespace of the
// service. Cancelling ctx cancels the upload between two chunks.
func (u *Uploader) UploadFile(ctx context.Context, path, targetPath string, onProgress chunkuploader.ProgressFunc) (Result, error) {
	source, err := plan.DescribeFile(path)
	if err != nil {
		return Result{}, err
	}

	provider, err := chunkuploader.NewFileChunkProvider(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	session := u.NewSession(Request{
		Source:     source,
		Chunks:     provider,
		Path:       targetPath,
		OnProgress: onProgress,
	})
	return session.Run(ctx)
}

// Stats returns the chunk statistics of every session of this Uploader.
func (u *Uploader) Stats() *chunkuploader.Stats {
	return u.transmitter.Stats()
}
