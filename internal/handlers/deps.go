// Package handlers holds the four stage handlers — archive fan-out, document
// parsing, vectorization, and cleanup — the business logic the worker
// runtime dispatches to once a task is claimed. Handlers are straight-line:
// explicit I/O, no nested event loops, and a tagged result.Result return
// value the runtime maps to a task disposition.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"docpipe/internal/archive"
	"docpipe/internal/collaborators"
	"docpipe/internal/costestimator"
	"docpipe/internal/queue"
	"docpipe/internal/ratelimit"
	"docpipe/internal/store"
)

// Deps is the set of collaborators every handler closes over. One Deps is
// built per process and shared read-only across worker slots; slots share
// nothing else beyond connection pools and metrics.
type Deps struct {
	Store   *store.Store
	Fabric  *queue.Fabric
	Limiter *ratelimit.Manager
	Logger  *slog.Logger

	HTTPClient *http.Client
	Pricing    costestimator.PricingTable

	// DefaultModel is used when a submission names no model_name.
	DefaultModel string
	// MaxFileBytes is the single-file ceiling for parse inputs; 0 disables
	// the check.
	MaxFileBytes int64

	ExtractionRoot     string
	ArchiveLimits      archive.Limits
	MaxArchiveBytes    int64
	CleanupGracePeriod int64 // seconds; 0 uses the handler's default

	// TempFileTTL is how long a temporary file lives before the expired
	// sweep may remove it; options.retention_hours overrides it per task.
	TempFileTTL time.Duration

	Preprocessor collaborators.Preprocessor
	Extractor    collaborators.Extractor
	Embedder     collaborators.Embedder
	VectorStore  collaborators.VectorStore

	DefaultEmbeddingDim int
}
