// Package store provides durable persistence for Task and FileMetadata
// rows, with the conditional status update that is the sole
// concurrency-control mechanism for cross-worker task state.
package store

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"docpipe/internal/model"
)

// taskRow is the gorm-mapped shape of model.Task. Options/TokenUsage are
// stored as JSON text columns; gorm has no first-class nested-struct column.
type taskRow struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"index"`
	ParentID         *string `gorm:"index"`
	Type             string `gorm:"index"`
	Status           string `gorm:"index"`
	FileURL          string
	OriginalFilename string
	OptionsJSON      string
	EstimatedCostUSD *float64
	ActualCostUSD    *float64
	Results          []byte
	ErrorMessage     string
	ErrorCode        string
	TokenUsageJSON   string
	RetryCount       int
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

func (taskRow) TableName() string { return "tasks" }

func fromTask(t model.Task) (taskRow, error) {
	optsJSON, err := json.Marshal(t.Options)
	if err != nil {
		return taskRow{}, err
	}
	var usageJSON string
	if t.TokenUsage != nil {
		b, err := json.Marshal(t.TokenUsage)
		if err != nil {
			return taskRow{}, err
		}
		usageJSON = string(b)
	}
	return taskRow{
		ID:               t.ID,
		UserID:           t.UserID,
		ParentID:         t.ParentID,
		Type:             string(t.Type),
		Status:           string(t.Status),
		FileURL:          t.FileURL,
		OriginalFilename: t.OriginalFilename,
		OptionsJSON:      string(optsJSON),
		EstimatedCostUSD: t.EstimatedCostUSD,
		ActualCostUSD:    t.ActualCostUSD,
		Results:          t.Results,
		ErrorMessage:     t.ErrorMessage,
		ErrorCode:        t.ErrorCode,
		TokenUsageJSON:   usageJSON,
		RetryCount:       t.RetryCount,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
	}, nil
}

func (r taskRow) toTask() (model.Task, error) {
	var opts model.Options
	if r.OptionsJSON != "" {
		if err := json.Unmarshal([]byte(r.OptionsJSON), &opts); err != nil {
			return model.Task{}, err
		}
	}
	var usage *model.TokenUsage
	if r.TokenUsageJSON != "" {
		usage = &model.TokenUsage{}
		if err := json.Unmarshal([]byte(r.TokenUsageJSON), usage); err != nil {
			return model.Task{}, err
		}
	}
	return model.Task{
		ID:               r.ID,
		UserID:           r.UserID,
		ParentID:         r.ParentID,
		Type:             model.TaskType(r.Type),
		Status:           model.TaskStatus(r.Status),
		FileURL:          r.FileURL,
		OriginalFilename: r.OriginalFilename,
		Options:          opts,
		EstimatedCostUSD: r.EstimatedCostUSD,
		ActualCostUSD:    r.ActualCostUSD,
		Results:          r.Results,
		ErrorMessage:     r.ErrorMessage,
		ErrorCode:        r.ErrorCode,
		TokenUsage:       usage,
		RetryCount:       r.RetryCount,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		CompletedAt:      r.CompletedAt,
	}, nil
}

// fileMetadataRow is the gorm-mapped shape of model.FileMetadata.
type fileMetadataRow struct {
	ID               string `gorm:"primaryKey"`
	TaskID           string `gorm:"index"`
	OriginalFilename string
	FileType         string
	FileSizeBytes    int64
	StoragePath      string
	StoragePolicy    string `gorm:"index:idx_policy_expiry"`
	Checksum         string
	ExpiresAt        *time.Time `gorm:"index:idx_policy_expiry"`
	CreatedAt        time.Time
}

func (fileMetadataRow) TableName() string { return "file_metadata" }

func fromFileMetadata(f model.FileMetadata) fileMetadataRow {
	return fileMetadataRow{
		ID:               f.ID,
		TaskID:           f.TaskID,
		OriginalFilename: f.OriginalFilename,
		FileType:         f.FileType,
		FileSizeBytes:    f.FileSizeBytes,
		StoragePath:      f.StoragePath,
		StoragePolicy:    string(f.StoragePolicy),
		Checksum:         f.Checksum,
		ExpiresAt:        f.ExpiresAt,
		CreatedAt:        f.CreatedAt,
	}
}

func (r fileMetadataRow) toFileMetadata() model.FileMetadata {
	return model.FileMetadata{
		ID:               r.ID,
		TaskID:           r.TaskID,
		OriginalFilename: r.OriginalFilename,
		FileType:         r.FileType,
		FileSizeBytes:    r.FileSizeBytes,
		StoragePath:      r.StoragePath,
		StoragePolicy:    model.StoragePolicy(r.StoragePolicy),
		Checksum:         r.Checksum,
		ExpiresAt:        r.ExpiresAt,
		CreatedAt:        r.CreatedAt,
	}
}
