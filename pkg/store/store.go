// Package store owns every read and write of Job, JobFile, ProcessingResult
// and AuditLog rows. All multi-row writes for one logical event happen in one
// transaction, and each state transition is paired with an audit row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"guardvision/models"
)

// ErrNotFound is returned when a job or file row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrIllegalTransition is returned when a caller requests a state change the
// state machine forbids.
var ErrIllegalTransition = errors.New("illegal status transition")

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// InTx runs fn against a transactional Store. The roll-back on error includes
// any row locks taken inside fn.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// CreateJob inserts a fresh job in CREATED state with zero counts, plus its
// audit row, in one transaction.
func (s *Store) CreateJob(ctx context.Context) (*models.Job, error) {
	job := &models.Job{
		ID:     uuid.New(),
		Status: models.JobCreated,
	}
	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.db.Create(job).Error; err != nil {
			return err
		}
		return tx.appendAudit(ctx, job.ID, nil, "CREATED", datatypes.JSONMap{"message": "job created"})
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id without locking.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobForUpdate fetches a job under a row lock (SELECT ... FOR UPDATE).
// It must run inside InTx; the lock holds until that transaction commits or
// rolls back, which is what serializes concurrent ingestions of one job.
func (s *Store) GetJobForUpdate(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// AddFiles bulk-inserts the pending file rows of one ingestion batch.
func (s *Store) AddFiles(ctx context.Context, files []*models.JobFile) error {
	if len(files) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(files).Error
}

// MarkJobQueued moves a CREATED job to QUEUED with its final file count and
// appends the paired audit row. The caller holds the row lock.
func (s *Store) MarkJobQueued(ctx context.Context, job *models.Job, totalFiles int) error {
	if !job.Status.CanTransition(models.JobQueued) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, models.JobQueued)
	}
	if totalFiles <= 0 {
		return fmt.Errorf("%w: queued job requires files", ErrIllegalTransition)
	}
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":      models.JobQueued,
			"total_files": totalFiles,
		}).Error
	if err != nil {
		return err
	}
	return s.appendAudit(ctx, job.ID, nil, "QUEUED", datatypes.JSONMap{"total_files": totalFiles})
}

// ListFiles returns every file row of a job, oldest first.
func (s *Store) ListFiles(ctx context.Context, jobID uuid.UUID) ([]models.JobFile, error) {
	var files []models.JobFile
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at asc").
		Find(&files).Error
	return files, err
}

// StaleQueuedJobs returns ids of jobs sitting in QUEUED since before cutoff.
// The requeue sweep re-publishes them; the worker is idempotent per job id,
// so over-publishing is harmless.
func (s *Store) StaleQueuedJobs(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND updated_at < ?", models.JobQueued, cutoff).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) appendAudit(ctx context.Context, jobID uuid.UUID, fileID *uuid.UUID, event string, details datatypes.JSONMap) error {
	if details == nil {
		details = datatypes.JSONMap{}
	}
	return s.db.WithContext(ctx).Create(&models.AuditLog{
		ID:        uuid.New(),
		JobID:     jobID,
		FileID:    fileID,
		EventType: event,
		Details:   details,
	}).Error
}
