package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/archive"
	"docpipe/internal/costestimator"
	"docpipe/internal/integrity"
	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/ratelimit"
	"docpipe/internal/result"
	"docpipe/internal/worker"
)

// defaultCleanupGrace is the initial delay before the deferred
// extraction-dir cleanup message first fires.
const defaultCleanupGrace = 5 * time.Minute

const downloadChunkBytes = 32 * 1024

type invalidFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type archiveSummary struct {
	Total        int           `json:"total"`
	Valid        int           `json:"valid"`
	Invalid      int           `json:"invalid"`
	ChildIDs     []string      `json:"child_ids"`
	InvalidFiles []invalidFile `json:"invalid_files"`
}

// ArchiveHandler is the archive stage: download, validate+extract,
// create+enqueue per-file parse children, schedule deferred cleanup.
func ArchiveHandler(deps *Deps) worker.HandlerFunc {
	return func(ctx context.Context, task model.Task, args []byte) result.Result[worker.Outcome] {
		archivePath, _, err := downloadToTemp(ctx, deps.HTTPClient, deps.Limiter, task.FileURL, deps.ExtractionRoot, deps.MaxArchiveBytes)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindTransientIO, "DOWNLOAD_FAILED", err.Error(), err))
		}
		defer os.Remove(archivePath)

		extracted, err := archive.Extract(archivePath, deps.ExtractionRoot, task.ID, deps.ArchiveLimits)
		if err != nil {
			kind, code := classifyArchiveError(err)
			return result.Err[worker.Outcome](result.New(kind, code, err.Error(), err))
		}

		children, invalidFiles, err := createChildren(deps, task, extracted)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindStorage, "CHILD_CREATE_FAILED", err.Error(), err))
		}

		childIDs := make([]string, 0, len(children))
		for _, child := range children {
			childIDs = append(childIDs, child.ID)
			argsJSON, _ := json.Marshal(model.ParseArgs{
				FileURL: child.FileURL,
				UserID:  child.UserID,
				Options: child.Options,
				Source:  "archive_extraction",
			})
			if _, err := deps.Fabric.Enqueue(queue.NameParse, model.QueueMessage{
				TaskID:        child.ID,
				CorrelationID: uuid.NewString(),
				SubmittedAt:   time.Now(),
				Args:          argsJSON,
			}); err != nil {
				deps.Logger.Error("archive handler: failed to enqueue child parse task", "task_id", task.ID, "child_id", child.ID, "error", err)
			}
		}

		summary := archiveSummary{
			Total:        len(extracted.Entries),
			Valid:        extracted.ValidCount(),
			Invalid:      extracted.InvalidCount(),
			ChildIDs:     childIDs,
			InvalidFiles: invalidFiles,
		}
		resultsJSON, err := json.Marshal(summary)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindInternal, "MARSHAL_FAILED", err.Error(), err))
		}

		scheduleExtractionCleanup(deps, task.ID, extracted.ExtractionDir)

		return result.Ok(worker.Outcome{Results: resultsJSON})
	}
}

// classifyArchiveError maps an archive.Error to the worker runtime's error
// taxonomy.
func classifyArchiveError(err error) (result.Kind, string) {
	var aerr *archive.Error
	if !errors.As(err, &aerr) {
		return result.KindInternal, "ARCHIVE_ERROR"
	}
	switch aerr.Kind {
	case archive.FailZipBomb:
		return result.KindSecurity, "SECURITY_VIOLATION"
	case archive.FailDiskSpace:
		return result.KindStorage, "STORAGE_ERROR"
	default: // FailInvalidArchive, FailEmptyArchive, FailTooManyFiles
		return result.KindValidation, "INVALID_ARCHIVE"
	}
}

// createChildren persists one parse-type child task plus a FileMetadata row
// per valid extracted entry. Children must be durable before the parent's
// result is written: the caller enqueues only after this returns
// successfully.
func createChildren(deps *Deps, parent model.Task, extracted archive.Result) ([]model.Task, []invalidFile, error) {
	var children []model.Task
	var files []model.FileMetadata
	var invalids []invalidFile

	for _, e := range extracted.Entries {
		if !e.Valid {
			invalids = append(invalids, invalidFile{Filename: e.OriginalPath, Error: e.Error})
			continue
		}
		childID := uuid.NewString()
		opts := parent.Options
		opts.HintDocumentType = string(costestimator.DetectDocumentType(e.OriginalPath, ""))

		children = append(children, model.Task{
			ID:               childID,
			UserID:           parent.UserID,
			ParentID:         &parent.ID,
			Type:             model.TaskParse,
			Status:           model.StatusPending,
			FileURL:          "local://" + e.SafePath,
			OriginalFilename: e.OriginalPath,
			Options:          opts,
		})

		checksum, err := integrity.HashExtractedFile(e.SafePath)
		if err != nil {
			deps.Logger.Warn("archive handler: failed to checksum extracted file", "path", e.SafePath, "error", err)
		}
		var expiresAt *time.Time
		if opts.StoragePolicy == model.StorageTemporary {
			exp := time.Now().Add(retentionFor(deps, opts))
			expiresAt = &exp
		}
		files = append(files, model.FileMetadata{
			ID:               uuid.NewString(),
			TaskID:           childID,
			OriginalFilename: e.OriginalPath,
			FileType:         e.Type,
			FileSizeBytes:    e.Size,
			StoragePath:      e.SafePath,
			StoragePolicy:    opts.StoragePolicy,
			Checksum:         checksum,
			ExpiresAt:        expiresAt,
		})
	}

	if _, err := deps.Store.BulkCreate(children); err != nil {
		return nil, nil, fmt.Errorf("creating child parse tasks: %w", err)
	}
	for _, f := range files {
		if err := deps.Store.CreateFileMetadata(f); err != nil {
			deps.Logger.Error("archive handler: failed to create file metadata", "task_id", f.TaskID, "error", err)
		}
	}
	return children, invalids, nil
}

// retentionFor resolves how long a temporary file lives: the per-task
// options.retention_hours override when present, else the configured TTL,
// else 24 hours.
func retentionFor(deps *Deps, opts model.Options) time.Duration {
	if opts.RetentionHours != nil && *opts.RetentionHours > 0 {
		return time.Duration(*opts.RetentionHours) * time.Hour
	}
	if deps.TempFileTTL > 0 {
		return deps.TempFileTTL
	}
	return 24 * time.Hour
}

// scheduleExtractionCleanup creates a cleanup-type task and enqueues it,
// delayed by the grace period, so the extraction sweep can wait for the
// children to finish before removing the extraction directory.
func scheduleExtractionCleanup(deps *Deps, parentID, extractionDir string) {
	// The cleanup task carries the parent id in its args, not in parent_id:
	// it is not a child of the archive task the way the parse subtasks are,
	// and mode B counts ListChildren(parent) to decide readiness.
	cleanupID := uuid.NewString()
	if err := deps.Store.Create(model.Task{
		ID:     cleanupID,
		UserID: "system",
		Type:   model.TaskCleanup,
		Status: model.StatusPending,
	}); err != nil {
		deps.Logger.Error("archive handler: failed to create cleanup task", "parent_id", parentID, "error", err)
		return
	}

	argsJSON, _ := json.Marshal(model.CleanupArgs{
		Mode:          model.CleanupExtraction,
		ExtractionDir: extractionDir,
		ParentID:      parentID,
	})
	q := deps.Fabric.Queue(queue.NameCleanup)
	if q == nil {
		deps.Logger.Error("archive handler: cleanup queue missing")
		return
	}
	grace := defaultCleanupGrace
	if deps.CleanupGracePeriod > 0 {
		grace = time.Duration(deps.CleanupGracePeriod) * time.Second
	}
	if _, err := q.EnqueueAfter(model.QueueMessage{
		TaskID:        cleanupID,
		CorrelationID: uuid.NewString(),
		SubmittedAt:   time.Now(),
		Args:          argsJSON,
	}, grace); err != nil {
		deps.Logger.Error("archive handler: failed to schedule cleanup", "parent_id", parentID, "error", err)
	}
}

// downloadToTemp streams url into a fresh file under destDir, enforcing
// maxBytes via both the advertised Content-Length and a running counter so a
// server that lies about (or omits) its length still can't blow the ceiling.
// Each read waits on the archive-download rate limiter first.
func downloadToTemp(ctx context.Context, client *http.Client, limiter *ratelimit.Manager, url, destDir string, maxBytes int64) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
		return "", 0, fmt.Errorf("archive declares %d bytes, exceeds %d byte ceiling", resp.ContentLength, maxBytes)
	}

	f, err := os.CreateTemp(destDir, "docpipe-archive-*.zip")
	if err != nil {
		return "", 0, err
	}
	path := f.Name()
	defer f.Close()

	buf := make([]byte, downloadChunkBytes)
	var total int64
	for {
		if err := limiter.Wait(ctx, ratelimit.ResourceArchiveDownload, len(buf)); err != nil {
			os.Remove(path)
			return "", 0, err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				os.Remove(path)
				return "", 0, fmt.Errorf("archive exceeded %d byte ceiling during download", maxBytes)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				os.Remove(path)
				return "", 0, werr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			os.Remove(path)
			return "", 0, readErr
		}
	}
	return path, total, nil
}
