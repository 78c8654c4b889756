package collaborators

import (
	"context"
	"fmt"
)

// FakePreprocessor returns a canned ProcessedDocument (or error) regardless
// of the file URL, for handler tests that don't need real document parsing.
type FakePreprocessor struct {
	Doc ProcessedDocument
	Err error
}

func (f *FakePreprocessor) Preprocess(ctx context.Context, fileURL string) (ProcessedDocument, error) {
	if f.Err != nil {
		return ProcessedDocument{}, f.Err
	}
	return f.Doc, nil
}

// FakeExtractor returns a canned response, recording the last call's
// arguments so tests can assert on prompt construction.
type FakeExtractor struct {
	Response []byte
	Usage    ExtractUsage
	Err      error

	LastSystemPrompt string
	LastUserContent  []ContentBlock
	LastModel        string
}

func (f *FakeExtractor) Extract(ctx context.Context, systemPrompt string, userContent []ContentBlock, model string, maxTokens int, temperature float64) ([]byte, ExtractUsage, error) {
	f.LastSystemPrompt = systemPrompt
	f.LastUserContent = userContent
	f.LastModel = model
	if f.Err != nil {
		return nil, ExtractUsage{}, f.Err
	}
	return f.Response, f.Usage, nil
}

// FakeEmbedder returns a deterministic fixed-dimension vector per input
// text, derived from the text's length so inputs of different lengths get
// distinct (if not meaningful) embeddings; equal-length inputs get the same
// vector.
type FakeEmbedder struct {
	Dim int
	Err error
}

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	dim := f.Dim
	if dim == 0 {
		dim = 1536
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, dim)
		vec[0] = float32(len(t))
		out[i] = vec
	}
	return out, nil
}

// FakeVectorStore records every StoreDocuments call in-memory.
type FakeVectorStore struct {
	Stored []VectorDocument
	Err    error
}

func (f *FakeVectorStore) StoreDocuments(ctx context.Context, docs []VectorDocument) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		f.Stored = append(f.Stored, d)
		ids[i] = d.ID
	}
	return ids, nil
}

// ErrUnsupportedFormat is the sentinel Preprocess implementations return
// for file formats no preprocessor handles; callers treat it as
// non-retryable.
var ErrUnsupportedFormat = fmt.Errorf("unsupported_format")
