package handlers

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"docpipe/internal/archive"
	"docpipe/internal/model"
	"docpipe/internal/result"
	"docpipe/internal/worker"
)

const defaultCleanupBatchSize = 100

// childRecheckDelay is how long extraction-mode cleanup waits before
// rechecking whether a parent's children have all reached a terminal status.
const childRecheckDelay = 5 * time.Minute

type expiredItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type expiredSummary struct {
	Processed  int                `json:"processed"`
	Deleted    int                `json:"deleted"`
	BytesFreed int64              `json:"bytes_freed"`
	DryRun     bool               `json:"dry_run,omitempty"`
	Errors     []expiredItemError `json:"errors,omitempty"`
}

// CleanupHandler runs the cleanup stage's two modes: the expired-file sweep
// and deferred extraction-directory removal.
func CleanupHandler(deps *Deps) worker.HandlerFunc {
	return func(ctx context.Context, task model.Task, args []byte) result.Result[worker.Outcome] {
		var a model.CleanupArgs
		if len(args) > 0 {
			if err := json.Unmarshal(args, &a); err != nil {
				return result.Err[worker.Outcome](result.New(result.KindValidation, "BAD_ARGS", err.Error(), err))
			}
		}

		switch a.Mode {
		case model.CleanupExtraction:
			return cleanupExtraction(deps, a)
		default:
			return cleanupExpired(deps, a)
		}
	}
}

// cleanupExpired is an idempotent, batched sweep over temporary FileMetadata
// rows past their expiry. Per-item failures are collected into the summary,
// never fatal to the sweep.
func cleanupExpired(deps *Deps, a model.CleanupArgs) result.Result[worker.Outcome] {
	batchSize := a.BatchSize
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}

	expired, err := deps.Store.ListExpiredTemporary(batchSize)
	if err != nil {
		return result.Err[worker.Outcome](result.New(result.KindStorage, "LIST_EXPIRED_FAILED", err.Error(), err))
	}

	summary := expiredSummary{Processed: len(expired), DryRun: a.DryRun}
	if a.DryRun {
		for _, f := range expired {
			summary.Deleted++
			summary.BytesFreed += f.FileSizeBytes
		}
		resultsJSON, _ := json.Marshal(summary)
		return result.Ok(worker.Outcome{Results: resultsJSON})
	}

	for _, f := range expired {
		if err := os.Remove(f.StoragePath); err != nil && !os.IsNotExist(err) {
			summary.Errors = append(summary.Errors, expiredItemError{ID: f.ID, Error: err.Error()})
			deps.Logger.Warn("cleanup handler: failed to remove expired file", "file_id", f.ID, "path", f.StoragePath, "error", err)
			continue
		}
		if err := deps.Store.DeleteFileMetadata(f.ID); err != nil {
			summary.Errors = append(summary.Errors, expiredItemError{ID: f.ID, Error: err.Error()})
			deps.Logger.Warn("cleanup handler: failed to delete expired file metadata", "file_id", f.ID, "error", err)
			continue
		}
		summary.Deleted++
		summary.BytesFreed += f.FileSizeBytes
	}

	resultsJSON, _ := json.Marshal(summary)
	return result.Ok(worker.Outcome{Results: resultsJSON})
}

// cleanupExtraction removes the directory an archive task unpacked into,
// but only once every child parse task it spawned has reached a terminal
// status. Until then the handler defers itself via worker.Outcome's Deferred
// mechanism rather than failing or completing.
func cleanupExtraction(deps *Deps, a model.CleanupArgs) result.Result[worker.Outcome] {
	if a.ParentID == "" || a.ExtractionDir == "" {
		return result.Err[worker.Outcome](result.New(result.KindValidation, "BAD_ARGS", "extraction cleanup requires parent_id and extraction_dir", nil))
	}

	children, err := deps.Store.ListChildren(a.ParentID)
	if err != nil {
		return result.Err[worker.Outcome](result.New(result.KindStorage, "LIST_CHILDREN_FAILED", err.Error(), err))
	}

	for _, c := range children {
		if c.Type != model.TaskParse {
			continue
		}
		if !c.Status.Terminal() {
			deferredJSON, _ := json.Marshal(map[string]any{
				"waiting_on_children": true,
				"parent_id":           a.ParentID,
			})
			return result.Ok(worker.Outcome{
				Results:       deferredJSON,
				Deferred:      true,
				DeferredDelay: childRecheckDelay,
			})
		}
	}

	if err := archive.RemoveExtractionDir(a.ExtractionDir); err != nil {
		return result.Err[worker.Outcome](result.New(result.KindStorage, "EXTRACTION_DIR_REMOVE_FAILED", err.Error(), err))
	}

	resultsJSON, _ := json.Marshal(map[string]any{"cleanup_completed": true})
	return result.Ok(worker.Outcome{Results: resultsJSON})
}
