// Command resumable-upload uploads files to a resumable upload service.
//
// Usage:
//
//	RESUMABLE_API_URL=https://files.example.com resumable-upload report.pdf 'exports/**/*.csv'
//
// An interrupted upload continues where it stopped when the command is run
// again for the same unchanged file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable/upload"
	"github.com/bitrise-io/go-resumable/upload/chunkuploader"
	"github.com/bitrise-io/go-resumable/upload/network"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130

	clientName = "resumable-upload"
)

type outcome struct {
	path   string
	result upload.Result
	err    error
}

func main() {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("Failed to load .env: %s", err)
	}

	os.Exit(run(logger, os.Args[1:]))
}

func run(logger log.Logger, args []string) int {
	envRepo := env.NewRepository()
	settings, err := upload.ParseSettings(envRepo)
	if err != nil {
		logger.Errorf("%s", err)
		return exitUsage
	}
	logger.EnableDebugLog(settings.Verbose)

	if len(args) == 0 {
		logger.Errorf("Usage: %s <path or glob>...", clientName)
		return exitUsage
	}

	evaluator := upload.NewPathEvaluator(pathutil.NewPathModifier(), pathutil.NewPathChecker(), logger)
	paths, err := evaluator.Evaluate(args)
	if err != nil {
		logger.Errorf("Failed to evaluate paths: %s", err)
		return exitUsage
	}
	if len(paths) == 0 {
		logger.Errorf("No files matched %v", args)
		return exitUsage
	}

	client := network.NewClient(network.ClientParams{
		BaseURL: string(settings.APIBaseURL),
		Token:   string(settings.AccessToken),
	}, logger)
	defer client.CloseIdleConnections()

	config := settings.UploaderConfig()
	if settings.Analytics {
		tracker := upload.NewAnalyticsTracker(clientName, settings, logger)
		config.Tracker = tracker
		defer tracker.Wait()
	}
	uploader := upload.New(client, config, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("Uploading %d file(s), %d at a time", len(paths), settings.ParallelFiles)

	outcomes := make([]outcome, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(settings.ParallelFiles)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			result, err := uploader.UploadFile(ctx, path, settings.TargetPath, progressPrinter(logger, filepath.Base(path)))
			outcomes[i] = outcome{path: path, result: result, err: err}
			return nil
		})
	}
	_ = g.Wait()

	stats := uploader.Stats()
	logger.Println()
	logger.Infof("Sent %d chunk(s), %s, average %s per chunk, skipped %d stored chunk(s)",
		stats.SentCount(),
		units.HumanSizeWithPrecision(float64(stats.SentBytes()), 3),
		stats.Average().Round(time.Millisecond),
		stats.SkippedCount())

	return summarize(logger, outcomes)
}

func progressPrinter(logger log.Logger, name string) chunkuploader.ProgressFunc {
	last := -1
	return func(p chunkuploader.Progress) {
		percentage := p.Percentage()
		if percentage == last && !p.Done {
			return
		}
		last = percentage
		logger.Printf("%s: %3d%% %s/%s, %d/%d chunks, %s",
			name,
			percentage,
			units.HumanSizeWithPrecision(float64(p.UploadedBytes), 3),
			units.HumanSizeWithPrecision(float64(p.TotalBytes), 3),
			p.ConfirmedChunks,
			p.TotalChunks,
			p.Speed())
	}
}

func summarize(logger log.Logger, outcomes []outcome) int {
	code := exitOK
	for _, o := range outcomes {
		switch kind := upload.KindOf(o.err); {
		case o.err == nil:
			logger.Donef("%s -> %s (%s)", o.path, o.result.Artifact.Path, describe(o.result))
		case kind == upload.KindCancelled:
			logger.Warnf("%s: %s", o.path, o.err)
			if code == exitOK {
				code = exitCancelled
			}
		default:
			logger.Errorf("%s: %s", o.path, o.err)
			code = exitFailed
		}
	}
	return code
}

func describe(result upload.Result) string {
	description := fmt.Sprintf("%s in %s", units.HumanSizeWithPrecision(float64(result.SizeBytes), 3), result.Duration.Round(time.Millisecond))
	if result.Resumed {
		description += fmt.Sprintf(", resumed with %d of %d chunks already stored", result.SkippedChunks, result.TotalChunks)
	}
	return description
}
