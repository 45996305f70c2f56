package upload

import (
	"net/url"
	"time"

	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Tracker records the outcome of upload sessions.
type Tracker interface {
	LogSession(result Result, err error)
	Wait()
}

type noopTracker struct{}

func (noopTracker) LogSession(Result, error) {}
func (noopTracker) Wait()                    {}

type analyticsTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

// NewAnalyticsTracker sends session events through the go-utils analytics
// client, tagged with the client name and the upload settings.
func NewAnalyticsTracker(client string, settings Settings, logger log.Logger) Tracker {
	return newAnalyticsTracker(client, settings, logger, func(p analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, p)
	})
}

func newAnalyticsTracker(client string, settings Settings, logger log.Logger, factory func(analytics.Properties) analytics.Tracker) Tracker {
	chunkSize := settings.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = plan.DefaultChunkSizeBytes
	}
	p := analytics.Properties{
		"client":           client,
		"service_host":     serviceHost(string(settings.APIBaseURL)),
		"target_path":      settings.TargetPath,
		"chunk_size_bytes": chunkSize,
		"parallel_files":   settings.ParallelFiles,
	}
	return analyticsTracker{
		tracker: factory(p),
		logger:  logger,
	}
}

// serviceHost keeps only the host of the API URL, credentials and paths
// are not reported.
func serviceHost(apiBaseURL string) string {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func (t analyticsTracker) LogSession(result Result, err error) {
	properties := analytics.Properties{
		"upload_id":         result.UploadID,
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.SizeBytes,
		"total_chunks":      result.TotalChunks,
		"sent_chunks":       result.SentChunks,
		"skipped_chunks":    result.SkippedChunks,
		"resumed":           result.Resumed,
	}
	if kind := KindOf(err); kind != 0 {
		properties["error_kind"] = kind.String()
	}

	t.tracker.Enqueue(eventName(result.State), properties)
}

func (t analyticsTracker) Wait() {
	t.tracker.Wait()
}

func eventName(state State) string {
	switch state {
	case StateCompleted:
		return "resumable_upload_completed"
	case StateCancelled:
		return "resumable_upload_cancelled"
	default:
		return "resumable_upload_failed"
	}
}
