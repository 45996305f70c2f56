package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-resumable/upload/chunkuploader"
	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/docker/go-units"
)

// ErrSessionStarted is returned when Run is called more than once.
var ErrSessionStarted = errors.New("upload session already started")

// Request describes the file a session uploads.
type Request struct {
	Source plan.SourceDescriptor
	Chunks chunkuploader.ChunkProvider
	// Path names the staging namespace of the assembled file on the service.
	Path string

	OnProgress    chunkuploader.ProgressFunc
	OnStateChange func(from, to State)
}

// Result summarizes a finished session.
type Result struct {
	State            State
	UploadID         string
	FileName         string
	Artifact         ArtifactRef
	BytesTransferred uint64
	SizeBytes        uint64
	ConfirmedChunks  int
	TotalChunks      int
	SentChunks       int
	SkippedChunks    int
	// Resumed is set if the service reported chunks from an earlier attempt.
	Resumed  bool
	Duration time.Duration
}

// Session drives a single upload attempt of one file through planning,
// negotiation, transmission and finalization. A Session runs once; resuming
// an interrupted upload means running a new Session for the same file.
type Session struct {
	uploader *Uploader
	request  Request

	started         atomic.Bool
	cancelRequested atomic.Bool

	mu               sync.Mutex
	state            State
	plan             plan.UploadPlan
	confirmed        *plan.ChunkSet
	bytesTransferred uint64
}

func newSession(u *Uploader, request Request) *Session {
	return &Session{uploader: u, request: request, state: StateIdle}
}

// Cancel requests cancellation. It is observed between chunks and before
// finalization. A chunk already being sent is allowed to finish.
func (s *Session) Cancel() {
	s.cancelRequested.Store(true)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Plan returns the upload plan. It is empty before planning.
func (s *Session) Plan() plan.UploadPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Confirmed returns the indices of the chunks known to be stored by the service.
func (s *Session) Confirmed() []int {
	s.mu.Lock()
	confirmed := s.confirmed
	s.mu.Unlock()

	if confirmed == nil {
		return nil
	}
	return confirmed.Indices()
}

// BytesTransferred returns the bytes of confirmed chunks, counting the ones
// skipped because the service already held them.
func (s *Session) BytesTransferred() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred
}

// Run executes the session. A returned error is an *Error; its kind tells
// cancellation apart from failures.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Result{}, ErrSessionStarted
	}

	u := s.uploader
	start := u.config.Now()
	result := Result{FileName: s.request.Source.Name, SizeBytes: s.request.Source.SizeBytes}

	finish := func(state State, err error) (Result, error) {
		s.transition(state)
		result.State = state
		result.BytesTransferred = s.BytesTransferred()
		result.ConfirmedChunks = s.confirmedLen()
		result.Duration = u.config.Now().Sub(start)
		u.tracker.LogSession(result, err)
		return result, err
	}

	s.transition(StatePlanning)
	p := u.planner.Plan(s.request.Source, u.config.ChunkSizeBytes)
	s.mu.Lock()
	s.plan = p
	s.mu.Unlock()
	result.UploadID = p.UploadID
	result.TotalChunks = p.TotalChunks
	u.logger.Infof("Uploading %s (%s) as %s in %d chunk(s)",
		s.request.Source.Name, units.HumanSizeWithPrecision(float64(p.SizeBytes), 3), p.UploadID, p.TotalChunks)

	s.transition(StateNegotiating)
	confirmed, negotiated := u.negotiator.Negotiate(ctx, p.UploadID, p.TotalChunks)
	s.mu.Lock()
	s.confirmed = confirmed
	s.mu.Unlock()
	result.Resumed = negotiated && confirmed.Len() > 0
	if result.Resumed {
		u.logger.Printf("Resuming upload, %d/%d chunk(s) already stored", confirmed.Len(), p.TotalChunks)
	}

	if s.cancelled(ctx) {
		return finish(StateCancelled, newError(KindCancelled, -1, context.Cause(ctx)))
	}

	s.transition(StateTransmitting)
	report, err := u.transmitter.Upload(ctx, chunkuploader.Transfer{
		Plan:       p,
		Meta:       chunkuploader.Meta{FileName: s.request.Source.Name, Path: s.request.Path},
		Provider:   s.request.Chunks,
		Confirmed:  confirmed,
		Cancelled:  s.cancelRequested.Load,
		OnProgress: s.progress,
	})
	result.SentChunks = report.SentChunks
	result.SkippedChunks = report.SkippedChunks
	if err != nil {
		var chunkErr *chunkuploader.ChunkError
		switch {
		case errors.Is(err, chunkuploader.ErrCancelled):
			return finish(StateCancelled, newError(KindCancelled, -1, err))
		case errors.As(err, &chunkErr):
			return finish(StateFailed, newError(KindTransmitFailed, chunkErr.Index, chunkErr.Err))
		default:
			return finish(StateFailed, newError(KindTransmitFailed, -1, err))
		}
	}

	s.transition(StateFinalizing)
	if s.cancelled(ctx) {
		return finish(StateCancelled, newError(KindCancelled, -1, context.Cause(ctx)))
	}

	// Once requested the merge is not interrupted, the service may have
	// assembled the file already.
	artifact, err := u.finalizer.Finalize(context.WithoutCancel(ctx), FinalizeParams{
		UploadID:    p.UploadID,
		FileName:    s.request.Source.Name,
		TotalChunks: p.TotalChunks,
		Path:        s.request.Path,
	}, confirmed)
	if err != nil {
		return finish(StateFailed, err)
	}
	result.Artifact = artifact

	if s.request.OnProgress != nil {
		s.request.OnProgress(chunkuploader.Progress{
			UploadedBytes:   p.SizeBytes,
			TotalBytes:      p.SizeBytes,
			ConfirmedChunks: confirmed.Len(),
			TotalChunks:     p.TotalChunks,
			Done:            true,
		})
	}

	u.logger.Donef("Uploaded %s to %s", s.request.Source.Name, artifact.Path)
	return finish(StateCompleted, nil)
}

func (s *Session) progress(p chunkuploader.Progress) {
	s.mu.Lock()
	if p.UploadedBytes > s.bytesTransferred {
		s.bytesTransferred = p.UploadedBytes
	}
	s.mu.Unlock()

	if s.request.OnProgress != nil {
		s.request.OnProgress(p)
	}
}

func (s *Session) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || s.cancelRequested.Load()
}

func (s *Session) confirmedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmed == nil {
		return 0
	}
	return s.confirmed.Len()
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if !from.canTransition(to) {
		s.mu.Unlock()
		panic(fmt.Sprintf("upload session: illegal transition %s -> %s", from, to))
	}
	s.state = to
	s.mu.Unlock()

	s.uploader.logger.Debugf("Upload session %s -> %s", from, to)
	if s.request.OnStateChange != nil {
		s.request.OnStateChange(from, to)
	}
}
