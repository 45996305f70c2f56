package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable/upload/plan"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// Environment variables read by ParseSettings.
const (
	APIURLEnvKey           = "RESUMABLE_API_URL"
	AccessTokenEnvKey      = "RESUMABLE_ACCESS_TOKEN"
	ChunkSizeEnvKey        = "RESUMABLE_CHUNK_SIZE"
	ChunkTimeoutEnvKey     = "RESUMABLE_CHUNK_TIMEOUT"
	NegotiateTimeoutEnvKey = "RESUMABLE_NEGOTIATE_TIMEOUT"
	MergeTimeoutEnvKey     = "RESUMABLE_MERGE_TIMEOUT"
	TargetPathEnvKey       = "RESUMABLE_TARGET_PATH"
	ParallelFilesEnvKey    = "RESUMABLE_PARALLEL_FILES"
	VerboseEnvKey          = "RESUMABLE_VERBOSE"
	AnalyticsEnvKey        = "RESUMABLE_ANALYTICS"
)

// Secret is a string that is not printed in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Settings is the configuration of an upload client.
type Settings struct {
	APIBaseURL       Secret
	AccessToken      Secret
	ChunkSizeBytes   uint64
	ChunkTimeout     time.Duration
	NegotiateTimeout time.Duration
	MergeTimeout     time.Duration
	TargetPath       string
	ParallelFiles    int
	Verbose          bool
	Analytics        bool
}

// ParseSettings reads the settings from the environment. Only the API URL
// is required.
func ParseSettings(envRepo env.Repository) (Settings, error) {
	defaults := DefaultConfig()

	apiBaseURL := strings.TrimSpace(envRepo.Get(APIURLEnvKey))
	if apiBaseURL == "" {
		return Settings{}, fmt.Errorf("the variable '%s' is not defined", APIURLEnvKey)
	}

	settings := Settings{
		APIBaseURL:  Secret(apiBaseURL),
		AccessToken: Secret(envRepo.Get(AccessTokenEnvKey)),
		TargetPath:  envRepo.Get(TargetPathEnvKey),
	}

	var err error
	if settings.ChunkSizeBytes, err = parseSize(envRepo, ChunkSizeEnvKey, plan.DefaultChunkSizeBytes); err != nil {
		return Settings{}, err
	}
	if settings.ChunkTimeout, err = parseDuration(envRepo, ChunkTimeoutEnvKey, defaults.ChunkTimeout); err != nil {
		return Settings{}, err
	}
	if settings.NegotiateTimeout, err = parseDuration(envRepo, NegotiateTimeoutEnvKey, defaults.NegotiateTimeout); err != nil {
		return Settings{}, err
	}
	if settings.MergeTimeout, err = parseDuration(envRepo, MergeTimeoutEnvKey, defaults.MergeTimeout); err != nil {
		return Settings{}, err
	}
	if settings.ParallelFiles, err = parseInt(envRepo, ParallelFilesEnvKey, 1); err != nil {
		return Settings{}, err
	}
	if settings.ParallelFiles < 1 {
		return Settings{}, fmt.Errorf("%s should be at least 1", ParallelFilesEnvKey)
	}
	if settings.Verbose, err = parseBool(envRepo, VerboseEnvKey, false); err != nil {
		return Settings{}, err
	}
	if settings.Analytics, err = parseBool(envRepo, AnalyticsEnvKey, false); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// UploaderConfig returns the Config of an Uploader using these settings.
func (s Settings) UploaderConfig() Config {
	config := DefaultConfig()
	config.ChunkSizeBytes = s.ChunkSizeBytes
	config.ChunkTimeout = s.ChunkTimeout
	config.NegotiateTimeout = s.NegotiateTimeout
	config.MergeTimeout = s.MergeTimeout
	return config
}

func parseSize(envRepo env.Repository, key string, defaultValue uint64) (uint64, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%s should be positive, got %s", key, value)
	}
	return uint64(size), nil
}

func parseDuration(envRepo env.Repository, key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s should be positive, got %s", key, value)
	}
	return d, nil
}

func parseInt(envRepo env.Repository, key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func parseBool(envRepo env.Repository, key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// PathEvaluator expands the file arguments of an upload into existing files.
type PathEvaluator struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewPathEvaluator ...
func NewPathEvaluator(pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) PathEvaluator {
	return PathEvaluator{pathModifier: pathModifier, pathChecker: pathChecker, logger: logger}
}

// Evaluate expands wildcard patterns and returns the absolute paths of the
// matched files. Missing paths and directories are skipped with a warning.
func (e PathEvaluator) Evaluate(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := e.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			e.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	var finalPaths []string
	seen := map[string]bool{}
	for _, path := range expandedPaths {
		absPath, err := e.pathModifier.AbsPath(path)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}
		isDir, err := e.pathChecker.IsDirExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if isDir {
			e.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}
