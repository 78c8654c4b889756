// Package model holds the types shared by every stage of the pipeline: the
// Task and FileMetadata records, their enums, and the options a submission
// carries through its whole lifecycle.
package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// TaskType identifies which stage handler owns a task.
type TaskType string

const (
	TaskArchive   TaskType = "archive"
	TaskParse     TaskType = "parse"
	TaskVectorize TaskType = "vectorize"
	TaskCleanup   TaskType = "cleanup"
)

// TaskStatus is the one authoritative status a task can hold at any time.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusRetrying   TaskStatus = "retrying"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StoragePolicy governs whether a FileMetadata row's backing object is swept
// by the cleanup handler.
type StoragePolicy string

const (
	StoragePermanent StoragePolicy = "permanent"
	StorageTemporary StoragePolicy = "temporary"
)

// LLMProvider enumerates the providers Extract() may be routed to.
type LLMProvider string

const (
	ProviderOpenAI     LLMProvider = "openai"
	ProviderOpenRouter LLMProvider = "openrouter"
	ProviderLiteLLM    LLMProvider = "litelm"
)

// ExtractionMode selects the system prompt family used by the parsing
// handler.
type ExtractionMode string

const (
	ModeStructured ExtractionMode = "structured"
	ModeSummary    ExtractionMode = "summary"
	ModeFullText   ExtractionMode = "full_text"
	ModeCustom     ExtractionMode = "custom"
)

// Options is the enumerated configuration a submission carries. Unknown keys
// are rejected at submission time; there is no dynamic option map.
type Options struct {
	EnableVectorization bool           `json:"enable_vectorization"`
	StoragePolicy       StoragePolicy  `json:"storage_policy"`
	MaxCostLimit        *float64       `json:"max_cost_limit,omitempty"`
	LLMProvider         LLMProvider    `json:"llm_provider,omitempty"`
	ModelName           string         `json:"model_name,omitempty"`
	ExtractionMode      ExtractionMode `json:"extraction_mode,omitempty"`
	CustomPrompt        string         `json:"custom_prompt,omitempty"`
	ChunkSize           int            `json:"chunk_size,omitempty"`
	ChunkOverlap        int            `json:"chunk_overlap,omitempty"`
	EmbeddingModel      string         `json:"embedding_model,omitempty"`
	RetentionHours      *int           `json:"retention_hours,omitempty"`

	// HintDocumentType is set by the archive handler on children it creates,
	// so the parsing handler's cost estimator can skip re-detecting the type
	// from the extracted filename. Purely an optimization; absence is fine.
	HintDocumentType string `json:"hint_document_type,omitempty"`
}

// UnmarshalJSON defaults EnableVectorization to true when the key is absent
// from the payload, something a plain bool field can't express on its own
// since its zero value is indistinguishable from an explicit false. Every
// other field keeps its ordinary zero-value-means-omitted behavior via
// WithDefaults. A key that names no Options field is an error.
func (o *Options) UnmarshalJSON(data []byte) error {
	type alias Options
	wire := struct {
		EnableVectorization *bool `json:"enable_vectorization"`
		*alias
	}{alias: (*alias)(o)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	if wire.EnableVectorization == nil {
		o.EnableVectorization = true
	} else {
		o.EnableVectorization = *wire.EnableVectorization
	}
	return nil
}

// WithDefaults fills the zero-value fields a submission is allowed to omit.
func (o Options) WithDefaults() Options {
	if o.StoragePolicy == "" {
		o.StoragePolicy = StorageTemporary
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap == 0 {
		o.ChunkOverlap = 100
	}
	return o
}

// TokenUsage mirrors the usage tuple an Extract/embedding call returns.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Task is the central persisted entity; one row per unit of work.
type Task struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	ParentID         *string     `json:"parent_id,omitempty"`
	Type             TaskType    `json:"type"`
	Status           TaskStatus  `json:"status"`
	FileURL          string      `json:"file_url,omitempty"`
	OriginalFilename string      `json:"original_filename,omitempty"`
	Options          Options     `json:"options"`
	EstimatedCostUSD *float64    `json:"estimated_cost_usd,omitempty"`
	ActualCostUSD    *float64    `json:"actual_cost_usd,omitempty"`
	Results          []byte      `json:"results,omitempty"` // opaque JSON, stage-specific shape
	ErrorMessage     string      `json:"error_message,omitempty"`
	ErrorCode        string      `json:"error_code,omitempty"`
	TokenUsage       *TokenUsage `json:"token_usage,omitempty"`
	RetryCount       int         `json:"retry_count"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// FileMetadata is one record per file known to the system, uploaded or
// extracted from an archive.
type FileMetadata struct {
	ID               string        `json:"id"`
	TaskID           string        `json:"task_id"`
	OriginalFilename string        `json:"original_filename"`
	FileType         string        `json:"file_type"`
	FileSizeBytes    int64         `json:"file_size_bytes"`
	StoragePath      string        `json:"storage_path"`
	StoragePolicy    StoragePolicy `json:"storage_policy"`
	Checksum         string        `json:"checksum,omitempty"` // sha256, hex-encoded
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// QueueMessage is the envelope carried on every named queue.
type QueueMessage struct {
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	Args          json.RawMessage `json:"args"`
}
