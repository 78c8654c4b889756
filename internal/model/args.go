package model

// ArchiveArgs is the payload of a message on the archive queue.
type ArchiveArgs struct {
	FileURL string  `json:"file_url"`
	UserID  string  `json:"user_id"`
	Options Options `json:"options"`
}

// ParseArgs is the payload of a message on the parse queue.
type ParseArgs struct {
	FileURL string  `json:"file_url"`
	UserID  string  `json:"user_id"`
	Options Options `json:"options"`
	// Source is "archive_extraction" when the parse task is a child the
	// archive handler created.
	Source string `json:"source,omitempty"`
}

// VectorizeArgs is the payload of a message on the vectorize queue.
type VectorizeArgs struct {
	Content  any            `json:"content"`
	UserID   string         `json:"user_id"`
	Options  Options        `json:"options"`
	Metadata map[string]any `json:"metadata"`
}

// CleanupMode selects which of the cleanup handler's two sweep modes a
// message requests.
type CleanupMode string

const (
	CleanupExpired    CleanupMode = "expired"
	CleanupExtraction CleanupMode = "extraction"
)

// CleanupArgs is the payload of a message on the cleanup queue.
type CleanupArgs struct {
	Mode          CleanupMode `json:"mode"`
	ExtractionDir string      `json:"extraction_dir,omitempty"`
	ParentID      string      `json:"parent_id,omitempty"`
	BatchSize     int         `json:"batch_size,omitempty"`
	DryRun        bool        `json:"dry_run,omitempty"`
}
