package chunkstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Environment variables read by ParseServerSettings.
const (
	AddrEnvKey           = "CHUNKSERVER_ADDR"
	BackendEnvKey        = "CHUNKSERVER_BACKEND"
	RootEnvKey           = "CHUNKSERVER_ROOT"
	TokenEnvKey          = "CHUNKSERVER_TOKEN"
	MaxChunkSizeEnvKey   = "CHUNKSERVER_MAX_CHUNK_SIZE"
	VerboseEnvKey        = "CHUNKSERVER_VERBOSE"
	S3BucketEnvKey       = "CHUNKSERVER_S3_BUCKET"
	S3RegionEnvKey       = "CHUNKSERVER_S3_REGION"
	S3AccessKeyIDEnvKey  = "CHUNKSERVER_S3_ACCESS_KEY_ID"
	S3SecretKeyEnvKey    = "CHUNKSERVER_S3_SECRET_ACCESS_KEY"
	S3EndpointEnvKey     = "CHUNKSERVER_S3_ENDPOINT"
	S3UsePathStyleEnvKey = "CHUNKSERVER_S3_PATH_STYLE"
	S3ChunkPrefixEnvKey  = "CHUNKSERVER_S3_CHUNK_PREFIX"
)

const (
	defaultAddr         = ":8080"
	defaultRoot         = "data"
	defaultMaxChunkSize = "64MiB"
	backendFS           = "fs"
	backendS3           = "s3"
)

// ServerSettings configures the reference persistence service.
type ServerSettings struct {
	Addr          string
	Backend       string
	Root          string
	Token         string
	MaxChunkBytes int64
	Verbose       bool
	S3            S3Params
}

// ParseServerSettings reads the service configuration from the environment.
func ParseServerSettings(envRepo env.Repository) (ServerSettings, error) {
	settings := ServerSettings{
		Addr:    valueOr(envRepo, AddrEnvKey, defaultAddr),
		Backend: strings.ToLower(valueOr(envRepo, BackendEnvKey, backendFS)),
		Root:    valueOr(envRepo, RootEnvKey, defaultRoot),
		Token:   envRepo.Get(TokenEnvKey),
		S3: S3Params{
			Bucket:          envRepo.Get(S3BucketEnvKey),
			Region:          envRepo.Get(S3RegionEnvKey),
			AccessKeyID:     envRepo.Get(S3AccessKeyIDEnvKey),
			SecretAccessKey: envRepo.Get(S3SecretKeyEnvKey),
			Endpoint:        envRepo.Get(S3EndpointEnvKey),
			ChunkPrefix:     envRepo.Get(S3ChunkPrefixEnvKey),
		},
	}

	maxChunkSize := valueOr(envRepo, MaxChunkSizeEnvKey, defaultMaxChunkSize)
	size, err := units.RAMInBytes(maxChunkSize)
	if err != nil {
		return ServerSettings{}, fmt.Errorf("invalid %s (%s): %w", MaxChunkSizeEnvKey, maxChunkSize, err)
	}
	if size <= 0 {
		return ServerSettings{}, fmt.Errorf("%s should be positive, got %s", MaxChunkSizeEnvKey, maxChunkSize)
	}
	settings.MaxChunkBytes = size

	if settings.Verbose, err = boolValue(envRepo, VerboseEnvKey); err != nil {
		return ServerSettings{}, err
	}
	if settings.S3.UsePathStyle, err = boolValue(envRepo, S3UsePathStyleEnvKey); err != nil {
		return ServerSettings{}, err
	}

	switch settings.Backend {
	case backendFS:
	case backendS3:
		if settings.S3.Bucket == "" {
			return ServerSettings{}, fmt.Errorf("the variable '%s' is required for the s3 backend", S3BucketEnvKey)
		}
		if settings.S3.Region == "" {
			return ServerSettings{}, fmt.Errorf("the variable '%s' is required for the s3 backend", S3RegionEnvKey)
		}
	default:
		return ServerSettings{}, fmt.Errorf("unknown %s: %s, valid values are %s and %s", BackendEnvKey, settings.Backend, backendFS, backendS3)
	}

	return settings, nil
}

// OpenStore creates the Store selected by the settings.
func (s ServerSettings) OpenStore(ctx context.Context, logger log.Logger) (Store, error) {
	if s.Backend == backendS3 {
		store, err := NewS3Store(ctx, s.S3, logger)
		if err != nil {
			return nil, err
		}
		logger.Infof("Storing chunks in s3://%s/%s", s.S3.Bucket, store.chunkPrefix)
		return store, nil
	}

	store, err := NewFileStore(s.Root, logger)
	if err != nil {
		return nil, err
	}
	logger.Infof("Storing chunks in %s", store.Root())
	return store, nil
}

func valueOr(envRepo env.Repository, key, defaultValue string) string {
	if value := strings.TrimSpace(envRepo.Get(key)); value != "" {
		return value
	}
	return defaultValue
}

func boolValue(envRepo env.Repository, key string) (bool, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s (%s): %w", key, value, err)
	}
	return b, nil
}
