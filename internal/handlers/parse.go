package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/collaborators"
	"docpipe/internal/costestimator"
	"docpipe/internal/integrity"
	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/ratelimit"
	"docpipe/internal/result"
	"docpipe/internal/worker"
)

const (
	defaultMaxTokens     = 2000
	defaultTemperature   = 0.2
	maxInlineImages      = 3
	minVectorizableChars = 10
)

var defaultStructuredPrompt = "Extract structured information from the document as JSON with fields: " +
	"document_type, key_entities, summary, and any tabular data found."

// buildSystemPrompt selects the prompt family for the extraction mode.
func buildSystemPrompt(mode model.ExtractionMode, custom string) string {
	switch mode {
	case model.ModeSummary:
		return "Summarize the document's key points concisely as JSON: {summary, key_points}."
	case model.ModeFullText:
		return "Transcribe the document's full text content verbatim as JSON: {text}."
	case model.ModeCustom:
		if custom != "" {
			return custom
		}
		return defaultStructuredPrompt
	default:
		return defaultStructuredPrompt
	}
}

// ParseHandler is the document-parsing stage: cost-gate, preprocess,
// extract, post-process, persist, optional vectorize fan-out.
func ParseHandler(deps *Deps) worker.HandlerFunc {
	return func(ctx context.Context, task model.Task, args []byte) result.Result[worker.Outcome] {
		if cancelled(deps, task.ID) {
			return cancelledResult()
		}

		modelName := task.Options.ModelName
		if modelName == "" {
			modelName = deps.DefaultModel
		}
		if modelName == "" {
			modelName = "gpt-4-vision-preview"
		}
		provider := task.Options.LLMProvider
		if provider == "" {
			provider = model.ProviderOpenAI
		}

		info, err := resolveFileInfo(ctx, deps.HTTPClient, task.FileURL)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindTransientIO, "FILE_INFO_FAILED", err.Error(), err))
		}
		if deps.MaxFileBytes > 0 && info.size > deps.MaxFileBytes {
			return result.Err[worker.Outcome](result.New(result.KindValidation, "FILE_TOO_LARGE",
				fmt.Sprintf("file is %d bytes, ceiling is %d", info.size, deps.MaxFileBytes), nil))
		}

		if err := verifyExtractedFile(deps, task); err != nil {
			return result.Err[worker.Outcome](result.New(result.KindValidation, "CHECKSUM_MISMATCH", err.Error(), err))
		}

		docType, known := costestimator.ParseDocumentType(task.Options.HintDocumentType)
		if !known {
			docType = costestimator.DetectDocumentType(info.filename, info.contentType)
		}

		est := costestimator.EstimateForDocumentType(docType, info.size, modelName, string(provider))
		if ok, msg := costestimator.ValidateCostLimit(est, task.Options.MaxCostLimit); !ok {
			resultsJSON, _ := json.Marshal(map[string]any{"cost_estimate": est})
			herr := result.New(result.KindCostLimit, "COST_LIMIT_EXCEEDED", msg, nil)
			herr.Results = resultsJSON
			return result.Err[worker.Outcome](herr)
		}

		doc, err := deps.Preprocessor.Preprocess(ctx, task.FileURL)
		if err != nil {
			if errors.Is(err, collaborators.ErrUnsupportedFormat) {
				return result.Err[worker.Outcome](result.New(result.KindValidation, "UNSUPPORTED_FORMAT", err.Error(), err))
			}
			return result.Err[worker.Outcome](result.New(result.KindTransientIO, "PREPROCESS_FAILED", err.Error(), err))
		}

		// Re-gate against the extracted text itself: the content-based
		// estimate is tighter (safety factor 1.5 vs 2.0) and can reject a
		// file whose size looked cheap but whose text is not.
		contentEst := costestimator.EstimateFromContent(doc.TextContent, modelName, string(provider), docType)
		if ok, msg := costestimator.ValidateCostLimit(contentEst, task.Options.MaxCostLimit); !ok {
			resultsJSON, _ := json.Marshal(map[string]any{"cost_estimate": contentEst})
			herr := result.New(result.KindCostLimit, "COST_LIMIT_EXCEEDED", msg, nil)
			herr.Results = resultsJSON
			return result.Err[worker.Outcome](herr)
		}

		systemPrompt := buildSystemPrompt(task.Options.ExtractionMode, task.Options.CustomPrompt)
		content := buildUserContent(deps, doc, modelName)

		if cancelled(deps, task.ID) {
			return cancelledResult()
		}

		if err := deps.Limiter.Wait(ctx, ratelimit.ProviderResource(string(provider)), 1); err != nil {
			return result.Err[worker.Outcome](result.New(result.KindTransientIO, "RATE_LIMIT_WAIT", err.Error(), err))
		}

		raw, usage, err := deps.Extractor.Extract(ctx, systemPrompt, content, modelName, defaultMaxTokens, defaultTemperature)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindProvider, "PROVIDER_ERROR", err.Error(), err))
		}

		if cancelled(deps, task.ID) {
			return cancelledResult()
		}

		extracted, _ := postProcess(raw, doc, provider, modelName)
		resultsJSON, err := json.Marshal(extracted)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindInternal, "MARSHAL_FAILED", err.Error(), err))
		}

		pricing := deps.Pricing.Get(modelName)
		actualCost := float64(usage.PromptTokens)/1000*pricing.InputCostPer1K + float64(usage.CompletionTokens)/1000*pricing.OutputCostPer1K

		if task.Options.EnableVectorization && len(strings.TrimSpace(doc.TextContent)) >= minVectorizableChars {
			enqueueVectorize(deps, task, doc)
		}

		return result.Ok(worker.Outcome{
			Results:       resultsJSON,
			ActualCostUSD: &actualCost,
			TokenUsage: &model.TokenUsage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
				CostUSD:          actualCost,
			},
		})
	}
}

// postProcess validates and enriches the raw LLM response. A non-JSON
// response is not a failure; it's wrapped with a parse_error and a low
// confidence so the caller still gets a usable record.
func postProcess(raw []byte, doc collaborators.ProcessedDocument, provider model.LLMProvider, modelName string) (map[string]any, float64) {
	var extracted map[string]any
	confidence := 0.8

	if err := json.Unmarshal(raw, &extracted); err != nil {
		extracted = map[string]any{
			"raw_response": string(raw),
			"parse_error":  err.Error(),
		}
		confidence = 0.3
	} else if md, ok := extracted["metadata"].(map[string]any); ok {
		if c, ok := md["confidence"].(float64); ok {
			confidence = c
		}
	}

	extracted["document_format"] = doc.Format
	extracted["original_filename"] = doc.OriginalFilename
	extracted["provider"] = string(provider)
	extracted["model"] = modelName
	extracted["confidence"] = confidence
	extracted["processing_stages"] = []string{"preprocess", "extract", "postprocess"}
	return extracted, confidence
}

// buildUserContent assembles the text block plus up to maxInlineImages
// inline images. Images are only attached when the chosen model's pricing
// row marks it vision-capable.
func buildUserContent(deps *Deps, doc collaborators.ProcessedDocument, modelName string) []collaborators.ContentBlock {
	var sb strings.Builder
	sb.WriteString(doc.TextContent)
	if len(doc.Metadata) > 0 {
		if b, err := json.Marshal(doc.Metadata); err == nil {
			sb.WriteString("\n\nmetadata: ")
			sb.Write(b)
		}
	}
	blocks := []collaborators.ContentBlock{{Type: collaborators.ContentText, Text: sb.String()}}

	if !deps.Pricing.IsVisionModel(modelName) {
		return blocks
	}
	for i, p := range doc.ImagePaths {
		if i >= maxInlineImages {
			break
		}
		data, err := os.ReadFile(p)
		if err != nil {
			deps.Logger.Warn("parse handler: failed to read image for inline attachment", "path", p, "error", err)
			continue
		}
		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		blocks = append(blocks, collaborators.ContentBlock{
			Type:        collaborators.ContentImage,
			ImageBase64: base64.StdEncoding.EncodeToString(data),
			MimeType:    mimeType,
		})
	}
	return blocks
}

// enqueueVectorize fans out the extracted text for embedding under its own
// vectorize-type task, so the worker runtime can claim and finalize it like
// any other stage. The id is derived from the parse task's id: a re-run of
// the same parse (worker lost before finalize) finds the existing row and
// does not enqueue a second message. Failure here does not fail the parse
// task — the extraction work is already durable.
func enqueueVectorize(deps *Deps, task model.Task, doc collaborators.ProcessedDocument) {
	vecID := task.ID + "-vectorize"
	if err := deps.Store.Create(model.Task{
		ID:      vecID,
		UserID:  task.UserID,
		Type:    model.TaskVectorize,
		Status:  model.StatusPending,
		Options: task.Options,
	}); err != nil {
		deps.Logger.Warn("parse handler: vectorize task not created (already exists or store error)", "task_id", task.ID, "error", err)
		return
	}

	argsJSON, _ := json.Marshal(model.VectorizeArgs{
		Content: doc.TextContent,
		UserID:  task.UserID,
		Options: task.Options,
		Metadata: map[string]any{
			"source_task_id":    task.ID,
			"original_filename": doc.OriginalFilename,
			"document_format":   doc.Format,
		},
	})
	if _, err := deps.Fabric.Enqueue(queue.NameVectorize, model.QueueMessage{
		TaskID:        vecID,
		CorrelationID: uuid.NewString(),
		SubmittedAt:   time.Now(),
		Args:          argsJSON,
	}); err != nil {
		deps.Logger.Error("parse handler: failed to enqueue vectorize task", "task_id", task.ID, "error", err)
	}
}

// cancelled is the cooperative cancellation checkpoint: the handler re-reads
// the task's current status at coarse points (entry, before the LLM call,
// before writing results) and aborts if a cancellation request flipped it to
// cancelled under this run's feet.
func cancelled(deps *Deps, taskID string) bool {
	t, err := deps.Store.Get(taskID)
	if err != nil {
		return false
	}
	return t.Status == model.StatusCancelled
}

func cancelledResult() result.Result[worker.Outcome] {
	return result.Err[worker.Outcome](result.New(result.KindCancelled, "CANCELLED", "task was cancelled", nil))
}

// verifyExtractedFile recomputes an archive-extracted file's checksum
// against the one recorded when it was unpacked, catching corruption of the
// extraction directory between fan-out and parse. Tasks without a local
// file or a recorded checksum pass through unchecked.
func verifyExtractedFile(deps *Deps, task model.Task) error {
	if !strings.HasPrefix(task.FileURL, "local://") {
		return nil
	}
	fm, err := deps.Store.FileMetadataForTask(task.ID)
	if err != nil || fm.Checksum == "" {
		return nil
	}
	return integrity.Verify(strings.TrimPrefix(task.FileURL, "local://"), integrity.SHA256, fm.Checksum)
}

type fileInfo struct {
	filename    string
	size        int64
	contentType string
}

// resolveFileInfo determines a file's name/size/content-type ahead of cost
// estimation without downloading the whole file: a HEAD request for http(s)
// sources, or an os.Stat for the local:// paths the archive handler gives
// its children. An unreachable server yields a conservative estimate rather
// than failing the task outright.
func resolveFileInfo(ctx context.Context, client *http.Client, fileURL string) (fileInfo, error) {
	if strings.HasPrefix(fileURL, "local://") {
		path := strings.TrimPrefix(fileURL, "local://")
		st, err := os.Stat(path)
		if err != nil {
			return fileInfo{}, fmt.Errorf("stat local file: %w", err)
		}
		return fileInfo{filename: filepath.Base(path), size: st.Size()}, nil
	}

	filename := "unknown_file"
	if u, err := url.Parse(fileURL); err == nil {
		if base := filepath.Base(u.Path); base != "." && base != "/" {
			filename = base
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return fileInfo{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		// Conservative fallback, matching the source's "return conservative
		// estimates" behavior rather than failing the whole task outright.
		return fileInfo{filename: filename, size: 1024 * 1024, contentType: "application/octet-stream"}, nil
	}
	defer resp.Body.Close()

	size := resp.ContentLength
	if size <= 0 {
		size = 1024 * 1024
	}
	return fileInfo{filename: filename, size: size, contentType: resp.Header.Get("Content-Type")}, nil
}
