package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultChunkPrefix is the key prefix of stored chunks.
	DefaultChunkPrefix = ".chunks"
	// minPartSize is the smallest part S3 accepts in a multipart upload,
	// except for the last part.
	minPartSize  int64 = 5 * 1024 * 1024
	numS3Retries       = 3
	// maxDeleteBatch is the DeleteObjects limit per request.
	maxDeleteBatch = 1000
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible services.
	Endpoint     string
	UsePathStyle bool
	// ChunkPrefix defaults to DefaultChunkPrefix.
	ChunkPrefix string
}

// S3Store keeps chunks as objects <prefix>/<uploadId>/chunk_<index> and
// merges them into the object <path>/<fileName>.
type S3Store struct {
	client      S3API
	bucket      string
	chunkPrefix string
	minPartSize int64
	deleteBatch int
	retryWait   time.Duration
	logger      log.Logger
	locks       keyedMutex
}

// NewS3Store creates an S3Store with a client configured from params.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
	return NewS3StoreWithClient(client, params.Bucket, params.ChunkPrefix, logger), nil
}

// NewS3StoreWithClient creates an S3Store using the given client.
func NewS3StoreWithClient(client S3API, bucket, chunkPrefix string, logger log.Logger) *S3Store {
	if chunkPrefix == "" {
		chunkPrefix = DefaultChunkPrefix
	}
	return &S3Store{
		client:      client,
		bucket:      bucket,
		chunkPrefix: strings.Trim(chunkPrefix, "/"),
		minPartSize: minPartSize,
		deleteBatch: maxDeleteBatch,
		retryWait:   2 * time.Second,
		logger:      logger,
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &cfg, nil
}

func (s *S3Store) uploadPrefix(uploadID string) string {
	return s.chunkPrefix + "/" + uploadID + "/"
}

func (s *S3Store) chunkKey(uploadID string, index int) string {
	return s.uploadPrefix(uploadID) + "chunk_" + strconv.Itoa(index)
}

// chunkIndex parses the index of a chunk key, e.g. .chunks/{uploadId}/chunk_3.
func chunkIndex(prefix, key string) (int, bool) {
	name := strings.TrimPrefix(key, prefix)
	if !strings.HasPrefix(name, "chunk_") {
		return 0, false
	}
	index, err := strconv.Atoi(strings.TrimPrefix(name, "chunk_"))
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// ExistingChunks ...
func (s *S3Store) ExistingChunks(ctx context.Context, uploadID string, totalChunks int) ([]int, error) {
	if err := validateUploadID(uploadID); err != nil {
		return nil, err
	}
	if err := validateTotalChunks(totalChunks); err != nil {
		return nil, err
	}

	chunks, err := s.listChunks(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	existing := []int{}
	for index := range chunks {
		if index < totalChunks {
			existing = append(existing, index)
		}
	}
	sort.Ints(existing)
	return existing, nil
}

// PutChunk uploads the chunk with the transfer manager. An object becomes
// visible only once its upload completed.
func (s *S3Store) PutChunk(ctx context.Context, meta ChunkMeta, data io.Reader) error {
	if err := validateChunk(meta); err != nil {
		return err
	}

	key := s.chunkKey(meta.UploadID, meta.Index)
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = minPartSize
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", meta.Index, err)
	}

	s.logger.Debugf("Stored chunk %d/%d of upload %s", meta.Index+1, meta.TotalChunks, meta.UploadID)
	return nil
}

// Merge assembles the chunks into the artifact object. Every part is copied
// server side if the chunks are large enough for a multipart upload,
// otherwise the chunks are streamed through this process.
func (s *S3Store) Merge(ctx context.Context, params MergeParams) (string, error) {
	t, err := resolveTarget(params)
	if err != nil {
		return "", err
	}
	finalKey := t.path()

	unlock := s.locks.lock(params.UploadID)
	defer unlock()

	chunks, err := s.listChunks(ctx, params.UploadID)
	if err != nil {
		return "", err
	}

	if len(chunks) == 0 && params.TotalChunks > 0 {
		exists, err := s.fileExistsWithRetry(ctx, finalKey)
		if err != nil {
			return "", err
		}
		if exists {
			s.logger.Printf("Upload %s is already merged into %s", params.UploadID, finalKey)
			return finalKey, nil
		}
	}

	ordered := make([]types.Object, 0, params.TotalChunks)
	for i := 0; i < params.TotalChunks; i++ {
		chunk, ok := chunks[i]
		if !ok {
			return "", &MissingChunkError{Index: i}
		}
		ordered = append(ordered, chunk)
	}

	switch {
	case len(ordered) == 0:
		err = s.putEmpty(ctx, finalKey)
	case len(ordered) == 1:
		err = s.copySingleChunk(ctx, ordered[0], finalKey)
	case s.partsCopyable(ordered):
		err = s.multipartCopy(ctx, ordered, finalKey)
	default:
		err = s.streamMerge(ctx, ordered, finalKey)
	}
	if err != nil {
		return "", err
	}

	if err := s.deletePrefix(ctx, s.uploadPrefix(params.UploadID)); err != nil {
		s.logger.Warnf("Failed to delete chunks of upload %s: %s", params.UploadID, err)
	}

	s.logger.Infof("Merged %d chunk(s) of upload %s into s3://%s/%s", params.TotalChunks, params.UploadID, s.bucket, finalKey)
	return finalKey, nil
}

func (s *S3Store) listChunks(ctx context.Context, uploadID string) (map[int]types.Object, error) {
	prefix := s.uploadPrefix(uploadID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	chunks := map[int]types.Object{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		for _, obj := range page.Contents {
			if index, ok := chunkIndex(prefix, aws.ToString(obj.Key)); ok {
				chunks[index] = obj
			}
		}
	}
	return chunks, nil
}

// partsCopyable reports whether the chunks qualify as multipart upload parts.
func (s *S3Store) partsCopyable(chunks []types.Object) bool {
	for _, chunk := range chunks[:len(chunks)-1] {
		if aws.ToInt64(chunk.Size) < s.minPartSize {
			return false
		}
	}
	return true
}

// copySource returns the URL encoded bucket/key pair CopyObject expects.
func (s *S3Store) copySource(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return s.bucket + "/" + strings.Join(segments, "/")
}

func (s *S3Store) putEmpty(ctx context.Context, key string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("put empty object: %w", err)
	}
	return nil
}

func (s *S3Store) copySingleChunk(ctx context.Context, chunk types.Object, finalKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(s.copySource(aws.ToString(chunk.Key))),
	})
	if err != nil {
		return fmt.Errorf("copy chunk: %w", err)
	}
	return nil
}

func (s *S3Store) multipartCopy(ctx context.Context, chunks []types.Object, finalKey string) (err error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	multipartID := aws.ToString(created.UploadId)

	defer func() {
		if err == nil {
			return
		}
		s.logger.Warnf("Aborting multipart upload of %s", finalKey)
		if _, abortErr := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(finalKey),
			UploadId: aws.String(multipartID),
		}); abortErr != nil {
			s.logger.Errorf("Failed to abort multipart upload of %s: %s", finalKey, abortErr)
		}
	}()

	parts := make([]types.CompletedPart, 0, len(chunks))
	for i, chunk := range chunks {
		partNumber := int32(i + 1)
		out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(finalKey),
			UploadId:   aws.String(multipartID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(s.copySource(aws.ToString(chunk.Key))),
		})
		if err != nil {
			return fmt.Errorf("copy part %d: %w", partNumber, err)
		}

		var etag *string
		if out.CopyPartResult != nil {
			etag = out.CopyPartResult.ETag
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(finalKey),
		UploadId:        aws.String(multipartID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

func (s *S3Store) streamMerge(ctx context.Context, chunks []types.Object, finalKey string) error {
	pr, pw := io.Pipe()
	go func() {
		for _, chunk := range chunks {
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    chunk.Key,
			})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("get chunk %s: %w", aws.ToString(chunk.Key), err))
				return
			}
			_, err = io.Copy(pw, out.Body)
			out.Body.Close() //nolint:errcheck
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy chunk %s: %w", aws.ToString(chunk.Key), err))
				return
			}
		}
		pw.Close() //nolint:errcheck
	}()
	defer pr.Close() //nolint:errcheck

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = minPartSize
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
		Body:   pr,
	})
	if err != nil {
		return fmt.Errorf("put merged object: %w", err)
	}
	return nil
}

func (s *S3Store) fileExistsWithRetry(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			exists = true
			return nil, true
		}

		var notFound *types.NotFound
		var apiErr smithy.APIError
		if errors.As(err, &notFound) || (errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound") {
			exists = false
			return nil, true
		}
		if ctx.Err() != nil {
			return ctx.Err(), true
		}

		s.logger.Debugf("Checking %s failed (attempt %d): %s", key, attempt+1, err)
		return fmt.Errorf("head object: %w", err), false
	})
	return exists, err
}

func (s *S3Store) deletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	// Collect first: deleting while paging invalidates the listing.
	var objects []types.ObjectIdentifier
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects for deletion: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	for len(objects) > 0 {
		n := min(len(objects), s.deleteBatch)
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects[:n], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		objects = objects[n:]
	}
	return nil
}
