package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"docpipe/internal/collaborators"
	"docpipe/internal/model"
	"docpipe/internal/ratelimit"
	"docpipe/internal/result"
	"docpipe/internal/worker"
)

const defaultEmbeddingDim = 1536

// vectorizeArgs is the decode-side counterpart of model.VectorizeArgs:
// Content stays raw here so flattening can tell a plain JSON string from a
// structured map without a round-trip through interface types.
type vectorizeArgs struct {
	Content  json.RawMessage `json:"content"`
	UserID   string          `json:"user_id"`
	Options  model.Options   `json:"options"`
	Metadata map[string]any  `json:"metadata"`
}

// VectorizeHandler is the vectorization stage: flatten, chunk, embed, store.
func VectorizeHandler(deps *Deps) worker.HandlerFunc {
	return func(ctx context.Context, task model.Task, raw []byte) result.Result[worker.Outcome] {
		var a vectorizeArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return result.Err[worker.Outcome](result.New(result.KindValidation, "BAD_ARGS", err.Error(), err))
		}

		if !a.Options.EnableVectorization {
			return noOp("vectorization_disabled")
		}

		text := flattenContent(a.Content)
		if len(strings.TrimSpace(text)) < minVectorizableChars {
			return noOpWithLen("content_too_short", len(text))
		}

		chunkSize := a.Options.ChunkSize
		if chunkSize <= 0 {
			chunkSize = 1000
		}
		overlap := a.Options.ChunkOverlap
		if overlap <= 0 {
			overlap = 100
		}
		chunks := chunkText(text, chunkSize, overlap)
		if len(chunks) == 0 {
			return noOp("no_chunks_produced")
		}

		embeddingModel := a.Options.EmbeddingModel
		if embeddingModel == "" {
			embeddingModel = "text-embedding-ada-002"
		}
		if err := deps.Limiter.Wait(ctx, ratelimit.ProviderResource(embeddingModel), 1); err != nil {
			return result.Err[worker.Outcome](result.New(result.KindTransientIO, "RATE_LIMIT_WAIT", err.Error(), err))
		}
		embeddings, err := deps.Embedder.Embed(ctx, chunks, embeddingModel)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindProvider, "EMBEDDING_FAILED", err.Error(), err))
		}

		expectedDim := deps.DefaultEmbeddingDim
		if expectedDim <= 0 {
			expectedDim = defaultEmbeddingDim
		}
		docs := make([]collaborators.VectorDocument, len(chunks))
		now := time.Now().UTC().Format(time.RFC3339)
		for i, chunk := range chunks {
			if len(embeddings[i]) != expectedDim {
				return result.Err[worker.Outcome](result.New(result.KindValidation, "EMBEDDING_DIM_MISMATCH",
					fmt.Sprintf("embedding dim %d does not match configured %d", len(embeddings[i]), expectedDim), nil))
			}
			meta := map[string]any{}
			for k, v := range a.Metadata {
				meta[k] = v
			}
			meta["task_id"] = task.ID
			meta["chunk_index"] = i
			meta["chunk_count"] = len(chunks)
			meta["created_at"] = now

			docs[i] = collaborators.VectorDocument{
				ID:        fmt.Sprintf("%s_%d", task.ID, i),
				Content:   chunk,
				Metadata:  meta,
				Embedding: embeddings[i],
			}
		}

		ids, err := deps.VectorStore.StoreDocuments(ctx, docs)
		if err != nil {
			return result.Err[worker.Outcome](result.New(result.KindStorage, "VECTOR_STORE_FAILED", err.Error(), err))
		}

		resultsJSON, _ := json.Marshal(map[string]any{
			"vectors_stored": len(ids),
			"vector_ids":     ids,
		})
		return result.Ok(worker.Outcome{Results: resultsJSON})
	}
}

func noOp(reason string) result.Result[worker.Outcome] {
	b, _ := json.Marshal(map[string]any{"vectors_stored": 0, "vector_ids": []string{}, "reason": reason})
	return result.Ok(worker.Outcome{Results: b})
}

func noOpWithLen(reason string, length int) result.Result[worker.Outcome] {
	b, _ := json.Marshal(map[string]any{"vectors_stored": 0, "vector_ids": []string{}, "reason": reason, "content_length": length})
	return result.Ok(worker.Outcome{Results: b})
}

// flattenContent turns the incoming content into one embeddable string: a
// plain string is used directly; a structured map concatenates its text-like
// fields plus any nested extracted_content entries as "key: value" lines.
func flattenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}

	var parts []string
	for _, key := range []string{"text", "content", "summary"} {
		if v, ok := m[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if nested, ok := m["extracted_content"].(map[string]any); ok {
		keys := make([]string, 0, len(nested))
		for k := range nested {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := nested[k].(string); ok && strings.TrimSpace(v) != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", k, v))
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// chunkText slides a chunkSize window over text with overlap bytes of
// backtrack, breaking at the last whitespace within each window. Empty
// chunks are discarded.
func chunkText(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end < len(text) {
			if idx := strings.LastIndexAny(text[start:end], " \t\n\r"); idx > 0 {
				end = start + idx
			}
		} else {
			end = len(text)
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(text) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}
