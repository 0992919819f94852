package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job. Jobs are never deleted; the
// status is the only lifecycle signal.
type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// jobTransitions lists the legal forward moves. CREATED→QUEUED belongs to the
// ingestion path; the rest belong to the worker.
var jobTransitions = map[JobStatus][]JobStatus{
	JobCreated:    {JobQueued},
	JobQueued:     {JobProcessing},
	JobProcessing: {JobCompleted, JobFailed},
}

// CanTransition reports whether from→to is a legal job transition.
func (from JobStatus) CanTransition(to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// Job is one client-initiated batch of files processed together.
type Job struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Status         JobStatus `gorm:"size:32;not null;default:created;index" json:"status"`
	Progress       int       `gorm:"not null;default:0;check:chk_jobs_progress,progress >= 0 AND progress <= 100" json:"progress"`
	TotalFiles     int       `gorm:"not null;default:0;check:chk_jobs_counts,processed_files <= total_files" json:"total_files"`
	ProcessedFiles int       `gorm:"not null;default:0" json:"processed_files"`
	ErrorMessage   *string   `gorm:"type:text" json:"error_message,omitempty"`
	Files          []JobFile `gorm:"foreignKey:JobID" json:"-"`
}
