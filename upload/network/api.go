package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	checkChunksPath = "/api/upload/check-chunks"
	chunkPath       = "/api/upload/chunk"
	mergePath       = "/api/upload/merge"

	// ChunkFieldName is the multipart file part holding the chunk bytes.
	ChunkFieldName = "chunk"

	maxErrorBodySize = 4 * 1024
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// ClientParams ...
type ClientParams struct {
	BaseURL string
	// Token is sent as a bearer credential; it is never interpreted.
	Token string
	// HTTPClient is the underlying client. If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// Client implements Service over HTTP.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient creates an HTTP Service client. Requests are never retried
// here: a failed call is reported to the caller, who restarts the upload.
func NewClient(params ClientParams, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = 0
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if params.HTTPClient != nil {
		httpClient.HTTPClient = params.HTTPClient
	} else {
		httpClient.HTTPClient = DefaultHTTPClient()
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(params.BaseURL, "/"),
		accessToken: params.Token,
		logger:      logger,
	}
}

// DefaultHTTPClient creates an HTTP client tuned for sequential chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - per request timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxConnsPerHost:     4,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// CloseIdleConnections closes idle connections of the underlying transport.
func (c *Client) CloseIdleConnections() {
	c.httpClient.HTTPClient.CloseIdleConnections()
}

// CheckChunks queries the chunk inventory of an upload.
func (c *Client) CheckChunks(ctx context.Context, request CheckChunksRequest) (CheckChunksResponse, error) {
	var response CheckChunksResponse
	if err := c.postJSON(ctx, checkChunksPath, request, &response); err != nil {
		return CheckChunksResponse{}, err
	}
	return response, nil
}

// Merge asks the service to assemble the stored chunks of an upload.
func (c *Client) Merge(ctx context.Context, request MergeRequest) (MergeResponse, error) {
	var response MergeResponse
	if err := c.postJSON(ctx, mergePath, request, &response); err != nil {
		return MergeResponse{}, err
	}
	return response, nil
}

// UploadChunk sends one chunk as a multipart form.
func (c *Client) UploadChunk(ctx context.Context, request ChunkUploadRequest) error {
	body, contentType, err := chunkForm(request)
	if err != nil {
		return fmt.Errorf("build chunk form: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chunkPath, body)
	if err != nil {
		return err
	}
	c.setAuthorization(req)
	req.Header.Set("Content-Type", contentType)

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, requestBody, responseBody interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	c.setAuthorization(req)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debugf("POST %s %s", path, string(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("decode response of %s: %w", path, err)
	}
	return nil
}

func (c *Client) setAuthorization(req *retryablehttp.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf("%s", err)
	}
}

func chunkForm(request ChunkUploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	if request.Size > 0 {
		buf.Grow(int(request.Size) + 1024)
	}
	w := multipart.NewWriter(&buf)

	fields := []struct {
		name, value string
	}{
		{"uploadId", request.UploadID},
		{"fileName", request.FileName},
		{"chunkIndex", strconv.Itoa(request.ChunkIndex)},
		{"totalChunks", strconv.Itoa(request.TotalChunks)},
		{"path", request.Path},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile(ChunkFieldName, request.FileName)
	if err != nil {
		return nil, "", err
	}
	if request.Data != nil {
		n, err := io.Copy(part, request.Data)
		if err != nil {
			return nil, "", fmt.Errorf("read chunk %d: %w", request.ChunkIndex, err)
		}
		if request.Size > 0 && n != request.Size {
			return nil, "", fmt.Errorf("chunk %d size mismatch, expected %d, got %d", request.ChunkIndex, request.Size, n)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errorResp))}
}
