// Package collaborators defines the external-collaborator contracts the
// parsing and vectorization handlers call through: document preprocessing,
// LLM extraction, embedding, and vector storage. No concrete LLM or
// vector-store client lives here — only the interfaces and the in-memory
// fakes used to test the handlers that depend on them.
package collaborators

import "context"

// ProcessedDocument is what Preprocess returns for a source file.
type ProcessedDocument struct {
	Format           string
	TextContent      string
	ImagePaths       []string
	Metadata         map[string]any
	OriginalFilename string
	FileSizeBytes    int64
}

// Preprocessor turns a file URL into extracted text/images/metadata.
type Preprocessor interface {
	Preprocess(ctx context.Context, fileURL string) (ProcessedDocument, error)
}

// ContentBlockType distinguishes text from inline-image user content in an
// Extract call.
type ContentBlockType string

const (
	ContentText  ContentBlockType = "text"
	ContentImage ContentBlockType = "image"
)

// ContentBlock is one element of the user content array passed to Extract.
type ContentBlock struct {
	Type        ContentBlockType
	Text        string
	ImageBase64 string
	MimeType    string
}

// ExtractUsage is the token-usage tuple an Extract call reports back.
type ExtractUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Extractor is the LLM Extract contract.
type Extractor interface {
	Extract(ctx context.Context, systemPrompt string, userContent []ContentBlock, model string, maxTokens int, temperature float64) ([]byte, ExtractUsage, error)
}

// Embedder turns text chunks into vectors, one per input in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// VectorDocument is one chunk ready for the vector store.
type VectorDocument struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// VectorStore is the StoreDocuments contract.
type VectorStore interface {
	StoreDocuments(ctx context.Context, docs []VectorDocument) ([]string, error)
}
