// Package handler serves a chunkstore.Store over the resumable upload HTTP
// API.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable/chunkstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	// CheckChunksPath ...
	CheckChunksPath = "/api/upload/check-chunks"
	// ChunkPath ...
	ChunkPath = "/api/upload/chunk"
	// MergePath ...
	MergePath = "/api/upload/merge"

	// RequestIDHeader is set on every response.
	RequestIDHeader = "X-Request-Id"

	chunkFieldName = "chunk"

	defaultMaxChunkBytes int64 = 64 * 1024 * 1024
	maxJSONBytes         int64 = 1024 * 1024
	// multipartMemory is the part of a chunk form kept in memory, the rest
	// is spooled to a temp file.
	multipartMemory int64 = 8 * 1024 * 1024
)

type contextKey struct{}

// Config ...
type Config struct {
	// Token is the bearer token clients have to present. Empty disables the check.
	Token string
	// MaxChunkBytes limits the body of a chunk request. Defaults to 64 MiB.
	MaxChunkBytes int64
}

type handler struct {
	store  chunkstore.Store
	config Config
	logger log.Logger
}

type checkChunksRequest struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
}

type checkChunksResponse struct {
	Success        bool  `json:"success"`
	ExistingChunks []int `json:"existingChunks"`
}

type chunkResponse struct {
	Success    bool `json:"success"`
	ChunkIndex int  `json:"chunkIndex"`
}

type mergeRequest struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	Path        string `json:"path"`
}

type mergeResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New returns the router of the upload API.
func New(store chunkstore.Store, config Config, logger log.Logger) http.Handler {
	if config.MaxChunkBytes <= 0 {
		config.MaxChunkBytes = defaultMaxChunkBytes
	}
	h := &handler{store: store, config: config, logger: logger}

	r := chi.NewRouter()
	r.Use(h.requestID)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(api chi.Router) {
		api.Use(h.authenticate)
		api.Post(CheckChunksPath, h.checkChunks)
		api.Post(ChunkPath, h.putChunk)
		api.Post(MergePath, h.merge)
	})

	return r
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

func (h *handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debugf("[%s] %s %s %d %s", requestIDFrom(r.Context()), r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) checkChunks(w http.ResponseWriter, r *http.Request) {
	var req checkChunksRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	existing, err := h.store.ExistingChunks(r.Context(), req.UploadID, req.TotalChunks)
	if err != nil {
		h.writeError(w, r, "check chunks", err)
		return
	}

	writeJSON(w, http.StatusOK, checkChunksResponse{Success: true, ExistingChunks: existing})
}

func (h *handler) putChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxChunkBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid multipart form: %s", err)})
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warnf("[%s] Failed to remove multipart temp files: %s", requestIDFrom(r.Context()), err)
		}
	}()

	meta, err := chunkMeta(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	file, _, err := r.FormFile(chunkFieldName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No chunk uploaded"})
		return
	}
	defer file.Close() //nolint:errcheck

	if err := h.store.PutChunk(r.Context(), meta, file); err != nil {
		h.writeError(w, r, fmt.Sprintf("store chunk %d", meta.Index), err)
		return
	}

	writeJSON(w, http.StatusOK, chunkResponse{Success: true, ChunkIndex: meta.Index})
}

func (h *handler) merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	path, err := h.store.Merge(r.Context(), chunkstore.MergeParams{
		UploadID:    req.UploadID,
		FileName:    req.FileName,
		TotalChunks: req.TotalChunks,
		Path:        req.Path,
	})
	if err != nil {
		h.writeError(w, r, "merge", err)
		return
	}

	h.logger.Infof("[%s] Upload %s merged into %s", requestIDFrom(r.Context()), req.UploadID, path)
	writeJSON(w, http.StatusOK, mergeResponse{Success: true, Path: path})
}

func chunkMeta(r *http.Request) (chunkstore.ChunkMeta, error) {
	index, err := intField(r, "chunkIndex")
	if err != nil {
		return chunkstore.ChunkMeta{}, err
	}
	total, err := intField(r, "totalChunks")
	if err != nil {
		return chunkstore.ChunkMeta{}, err
	}

	return chunkstore.ChunkMeta{
		UploadID:    r.FormValue("uploadId"),
		Index:       index,
		TotalChunks: total,
		FileName:    r.FormValue("fileName"),
		Path:        r.FormValue("path"),
	}, nil
}

func intField(r *http.Request, name string) (int, error) {
	value := r.FormValue(name)
	if value == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer: %q", name, value)
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %s", err)
	}
	return nil
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var missing *chunkstore.MissingChunkError
	switch {
	case errors.As(err, &missing):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: missing.Error()})
	case errors.Is(err, chunkstore.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		// The client is gone, nobody reads the response.
		h.logger.Warnf("[%s] %s: request cancelled", requestIDFrom(r.Context()), action)
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.logger.Errorf("[%s] %s: %s", requestIDFrom(r.Context()), action, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
