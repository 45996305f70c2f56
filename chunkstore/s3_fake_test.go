package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu        sync.Mutex
	bucket    string
	objects   map[string][]byte
	multipart map[string]map[int32][]byte
	pageSize  int
	calls     map[string]int

	headErrs    []error
	partCopyErr error

	copySources   []string
	deleteBatches []int
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:    bucket,
		objects:   map[string][]byte{},
		multipart: map[string]map[int32][]byte{},
		pageSize:  2,
		calls:     map[string]int{},
	}
}

func (f *fakeS3) record(op string) {
	f.calls[op]++
}

func (f *fakeS3) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) sourceKey(copySource string) (string, error) {
	prefix := f.bucket + "/"
	if !strings.HasPrefix(copySource, prefix) {
		return "", fmt.Errorf("copy source %s is not in bucket %s", copySource, f.bucket)
	}
	f.copySources = append(f.copySources, copySource)
	return url.PathUnescape(strings.TrimPrefix(copySource, prefix))
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListObjectsV2")

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	// Continue after the last returned key, as S3 does.
	start := 0
	if params.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *params.ContinuationToken)
		if start < len(keys) && keys[start] == *params.ContinuationToken {
			start++
		}
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(f.objects[key])))})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutObject")
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetObject")

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("HeadObject")

	if len(f.headErrs) > 0 {
		err := f.headErrs[0]
		f.headErrs = f.headErrs[1:]
		return nil, err
	}
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CopyObject")

	src, err := f.sourceKey(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	data, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(params.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateMultipartUpload")

	id := fmt.Sprintf("mpu-%d", len(f.multipart)+1)
	f.multipart[id] = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: params.Key}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UploadPart")

	parts, ok := f.multipart[aws.ToString(params.UploadId)]
	if !ok {
		return nil, errors.New("no such upload")
	}
	parts[aws.ToInt32(params.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(params.PartNumber)))}, nil
}

func (f *fakeS3) UploadPartCopy(_ context.Context, params *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UploadPartCopy")

	if f.partCopyErr != nil && aws.ToInt32(params.PartNumber) > 1 {
		return nil, f.partCopyErr
	}
	parts, ok := f.multipart[aws.ToString(params.UploadId)]
	if !ok {
		return nil, errors.New("no such upload")
	}
	src, err := f.sourceKey(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	parts[aws.ToInt32(params.PartNumber)] = append([]byte(nil), f.objects[src]...)
	etag := aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(params.PartNumber)))
	return &s3.UploadPartCopyOutput{CopyPartResult: &types.CopyPartResult{ETag: etag}}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CompleteMultipartUpload")

	id := aws.ToString(params.UploadId)
	parts, ok := f.multipart[id]
	if !ok {
		return nil, errors.New("no such upload")
	}

	var buf bytes.Buffer
	for _, part := range params.MultipartUpload.Parts {
		data, ok := parts[aws.ToInt32(part.PartNumber)]
		if !ok {
			return nil, fmt.Errorf("part %d was not uploaded", aws.ToInt32(part.PartNumber))
		}
		buf.Write(data)
	}
	delete(f.multipart, id)
	f.objects[aws.ToString(params.Key)] = buf.Bytes()
	return &s3.CompleteMultipartUploadOutput{Key: params.Key}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AbortMultipartUpload")

	delete(f.multipart, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteObjects")
	f.deleteBatches = append(f.deleteBatches, len(params.Delete.Objects))

	for _, obj := range params.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}
