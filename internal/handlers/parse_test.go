package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"docpipe/internal/collaborators"
	"docpipe/internal/integrity"
	"docpipe/internal/model"
	"docpipe/internal/queue"
	"docpipe/internal/result"
)

func withParseCollaborators(deps *Deps, pre *collaborators.FakePreprocessor, ext *collaborators.FakeExtractor) {
	deps.Preprocessor = pre
	deps.Extractor = ext
}

func TestParseHandlerSuccessPersistsResultsAndCost(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	pre := &collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{
		Format:           "pdf",
		TextContent:      "some extracted document text",
		OriginalFilename: "report.pdf",
	}}
	ext := &collaborators.FakeExtractor{
		Response: []byte(`{"document_type":"invoice","summary":"a test invoice"}`),
		Usage:    collaborators.ExtractUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
	withParseCollaborators(deps, pre, ext)

	task := model.Task{
		ID:      "parse-1",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/report.pdf",
		Options: model.Options{ModelName: "gpt-4-vision-preview", LLMProvider: model.ProviderOpenAI}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.True(t, out.IsOk(), "handler should succeed: %+v", out.Err)
	require.NotNil(t, out.Value.ActualCostUSD)
	require.Greater(t, *out.Value.ActualCostUSD, 0.0)
	require.NotNil(t, out.Value.TokenUsage)
	require.Equal(t, 150, out.Value.TokenUsage.TotalTokens)

	var extracted map[string]any
	require.NoError(t, json.Unmarshal(out.Value.Results, &extracted))
	require.Equal(t, "invoice", extracted["document_type"])
	require.Equal(t, "pdf", extracted["document_format"])
}

func TestParseHandlerCostLimitRejectionCarriesDiagnostics(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "50000000") // 50MB, forces a high cost estimate
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	limit := 0.0001
	task := model.Task{
		ID:      "parse-2",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/big.pdf",
		Options: model.Options{ModelName: "gpt-4-vision-preview", MaxCostLimit: &limit}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.False(t, out.IsOk())
	require.Equal(t, result.KindCostLimit, out.Err.Kind)
	require.NotEmpty(t, out.Err.Results)

	var diag map[string]any
	require.NoError(t, json.Unmarshal(out.Err.Results, &diag))
	require.Contains(t, diag, "cost_estimate")
}

func TestParseHandlerUnsupportedFormatIsNonRetryable(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	withParseCollaborators(deps, &collaborators.FakePreprocessor{Err: collaborators.ErrUnsupportedFormat}, &collaborators.FakeExtractor{})

	task := model.Task{
		ID:      "parse-3",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/weird.xyz",
		Options: model.Options{}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.False(t, out.IsOk())
	require.Equal(t, result.KindValidation, out.Err.Kind)
	require.False(t, out.Err.Retryable)
}

func TestParseHandlerNonJSONResponseWrapsWithLowConfidence(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	withParseCollaborators(deps,
		&collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{TextContent: "text"}},
		&collaborators.FakeExtractor{Response: []byte("not json at all")})

	task := model.Task{
		ID:      "parse-4",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/doc.pdf",
		Options: model.Options{}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.True(t, out.IsOk())

	var extracted map[string]any
	require.NoError(t, json.Unmarshal(out.Value.Results, &extracted))
	require.Equal(t, "not json at all", extracted["raw_response"])
	require.InDelta(t, 0.3, extracted["confidence"], 0.001)
}

func TestParseHandlerEnqueuesVectorizeWhenEnabled(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	withParseCollaborators(deps,
		&collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{TextContent: "this text is long enough to vectorize"}},
		&collaborators.FakeExtractor{Response: []byte(`{"summary":"ok"}`)})

	task := model.Task{
		ID:      "parse-5",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/doc.pdf",
		Options: model.Options{EnableVectorization: true}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.True(t, out.IsOk())

	q := deps.Fabric.Queue(queue.NameVectorize)
	require.Equal(t, 1, q.Depth())

	vec, err := deps.Store.Get("parse-5-vectorize")
	require.NoError(t, err)
	require.Equal(t, model.TaskVectorize, vec.Type)
	require.Equal(t, model.StatusPending, vec.Status)
	require.Equal(t, "u1", vec.UserID)
}

func TestParseHandlerRerunDoesNotDuplicateVectorizeMessage(t *testing.T) {
	deps := newTestDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	withParseCollaborators(deps,
		&collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{TextContent: "this text is long enough to vectorize"}},
		&collaborators.FakeExtractor{Response: []byte(`{"summary":"ok"}`)})

	task := model.Task{
		ID:      "parse-8",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/doc.pdf",
		Options: model.Options{EnableVectorization: true}.WithDefaults(),
	}

	// A worker lost after the vectorize hand-off causes the parse message to
	// be redelivered and the handler re-run; the derived task id dedupes the
	// second hand-off.
	out := ParseHandler(deps)(context.Background(), task, nil)
	require.True(t, out.IsOk())
	out = ParseHandler(deps)(context.Background(), task, nil)
	require.True(t, out.IsOk())

	q := deps.Fabric.Queue(queue.NameVectorize)
	require.Equal(t, 1, q.Depth())
}

func TestParseHandlerRejectsOversizedFile(t *testing.T) {
	deps := newTestDeps(t)
	deps.MaxFileBytes = 1000
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2000")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	task := model.Task{
		ID:      "parse-7",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: srv.URL + "/big.pdf",
		Options: model.Options{}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.False(t, out.IsOk())
	require.Equal(t, result.KindValidation, out.Err.Kind)
	require.Equal(t, "FILE_TOO_LARGE", out.Err.Code)
}

func TestParseHandlerAbortsWhenCancelledAtEntry(t *testing.T) {
	deps := newTestDeps(t)
	ext := &collaborators.FakeExtractor{Response: []byte(`{}`)}
	withParseCollaborators(deps,
		&collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{TextContent: "text"}}, ext)

	task := model.Task{
		ID:      "parse-6",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: "https://example.com/doc.pdf",
		Options: model.Options{}.WithDefaults(),
	}
	require.NoError(t, deps.Store.Create(task))
	_, err := deps.Store.Cancel(task.ID)
	require.NoError(t, err)

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.False(t, out.IsOk())
	require.Equal(t, result.KindCancelled, out.Err.Kind)
	require.Empty(t, ext.LastModel, "no LLM call should be made for a cancelled task")
}

func TestParseHandlerRejectsCorruptedExtractedFile(t *testing.T) {
	deps := newTestDeps(t)
	withParseCollaborators(deps,
		&collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{TextContent: "text"}},
		&collaborators.FakeExtractor{Response: []byte(`{}`)})

	path := deps.ExtractionRoot + "/extracted.txt"
	require.NoError(t, os.WriteFile(path, []byte("tampered content"), 0o644))
	require.NoError(t, deps.Store.CreateFileMetadata(model.FileMetadata{
		ID:            "fm-corrupt",
		TaskID:        "parse-10",
		StoragePath:   path,
		StoragePolicy: model.StoragePermanent,
		Checksum:      "0000000000000000000000000000000000000000000000000000000000000000",
	}))

	task := model.Task{
		ID:      "parse-10",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: "local://" + path,
		Options: model.Options{}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.False(t, out.IsOk())
	require.Equal(t, result.KindValidation, out.Err.Kind)
	require.Equal(t, "CHECKSUM_MISMATCH", out.Err.Code)
}

func TestParseHandlerAcceptsExtractedFileWithMatchingChecksum(t *testing.T) {
	deps := newTestDeps(t)
	withParseCollaborators(deps,
		&collaborators.FakePreprocessor{Doc: collaborators.ProcessedDocument{TextContent: "text"}},
		&collaborators.FakeExtractor{Response: []byte(`{"summary":"ok"}`)})

	path := deps.ExtractionRoot + "/extracted.txt"
	require.NoError(t, os.WriteFile(path, []byte("intact content"), 0o644))
	checksum, err := integrity.HashExtractedFile(path)
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateFileMetadata(model.FileMetadata{
		ID:            "fm-intact",
		TaskID:        "parse-11",
		StoragePath:   path,
		StoragePolicy: model.StoragePermanent,
		Checksum:      checksum,
	}))

	task := model.Task{
		ID:      "parse-11",
		UserID:  "u1",
		Type:    model.TaskParse,
		Status:  model.StatusProcessing,
		FileURL: "local://" + path,
		Options: model.Options{EnableVectorization: false}.WithDefaults(),
	}

	out := ParseHandler(deps)(context.Background(), task, nil)
	require.True(t, out.IsOk(), "handler should succeed: %+v", out.Err)
}

func TestResolveFileInfoLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/file.txt"
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	info, err := resolveFileInfo(context.Background(), nil, "local://"+path)
	require.NoError(t, err)
	require.Equal(t, "file.txt", info.filename)
	require.Equal(t, int64(len("hello world")), info.size)
}
