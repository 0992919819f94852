package models

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of a single uploaded file.
type FileStatus string

const (
	FileQueued     FileStatus = "queued"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// FileType distinguishes plain images from DICOM studies.
type FileType string

const (
	TypeImage FileType = "image"
	TypeDICOM FileType = "dicom"
)

// MaxRetries caps retry_count; a failed file at the cap is terminal.
const MaxRetries = 3

var fileTransitions = map[FileStatus][]FileStatus{
	FileQueued:     {FileProcessing},
	FileProcessing: {FileCompleted, FileFailed},
	// FAILED may re-enter PROCESSING while retries remain.
	FileFailed: {FileProcessing},
}

// CanTransition reports whether from→to is a legal file transition.
// Re-attempting a failed file additionally requires retry headroom,
// which CanRetry checks against the row.
func (from FileStatus) CanTransition(to FileStatus) bool {
	for _, s := range fileTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobFile is one uploaded artifact belonging to a job. OriginalFilename is
// untrusted and display-only; StoredPath is server-generated.
type JobFile struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time  `gorm:"index:idx_job_files_status_created_at,priority:2" json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	JobID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"job_id"`
	Job              Job        `gorm:"foreignKey:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	OriginalFilename string     `gorm:"type:text;not null" json:"original_filename"`
	StoredPath       string     `gorm:"type:text;not null" json:"stored_path"`
	FileType         FileType   `gorm:"size:16;not null" json:"file_type"`
	Status           FileStatus `gorm:"size:32;not null;default:queued;index:idx_job_files_status_created_at,priority:1" json:"status"`
	RetryCount       int        `gorm:"not null;default:0;check:chk_job_files_retry,retry_count <= 3" json:"retry_count"`
}

// CanRetry reports whether a failed file may be attempted again.
func (f *JobFile) CanRetry() bool {
	return f.Status == FileFailed && f.RetryCount < MaxRetries
}
