package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"guardvision/models"
)

// Worker-side hooks. The queue consumer drives QUEUED→PROCESSING and the
// per-file outcomes through these; each keeps processed_files ≤ total_files
// and pairs the write with an audit row in the same transaction.

// StartJob moves a QUEUED job to PROCESSING. Re-delivered queue entries find
// the job already past QUEUED and get ErrIllegalTransition, which the consumer
// treats as "someone else took it" — that is the idempotency point of the
// at-least-once queue.
func (s *Store) StartJob(ctx context.Context, jobID uuid.UUID) error {
	return s.InTx(ctx, func(tx *Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.CanTransition(models.JobProcessing) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, models.JobProcessing)
		}
		if err := tx.db.Model(&models.Job{}).Where("id = ?", jobID).
			Update("status", models.JobProcessing).Error; err != nil {
			return err
		}
		return tx.appendAudit(ctx, jobID, nil, "PROCESSING", nil)
	})
}

// StartFile moves a file to PROCESSING. A FAILED file re-enters PROCESSING
// only while retry headroom remains; the attempt consumes one retry.
func (s *Store) StartFile(ctx context.Context, fileID uuid.UUID) error {
	return s.InTx(ctx, func(tx *Store) error {
		file, err := tx.getFileForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if !file.Status.CanTransition(models.FileProcessing) {
			return fmt.Errorf("%w: file %s -> processing", ErrIllegalTransition, file.Status)
		}
		retries := file.RetryCount
		updates := map[string]any{"status": models.FileProcessing}
		if file.Status == models.FileFailed {
			if !file.CanRetry() {
				return fmt.Errorf("%w: retries exhausted", ErrIllegalTransition)
			}
			retries++
			updates["retry_count"] = retries
		}
		if err := tx.db.Model(&models.JobFile{}).Where("id = ?", fileID).
			Updates(updates).Error; err != nil {
			return err
		}
		// the audit row records the attempt being started
		return tx.appendAudit(ctx, file.JobID, &file.ID, "FILE_PROCESSING", datatypes.JSONMap{
			"retry_count": retries,
		})
	})
}

// CompleteFile marks one file COMPLETED, records its unique ProcessingResult
// and advances the job's processed count and progress, all in one transaction.
func (s *Store) CompleteFile(ctx context.Context, fileID uuid.UUID, redactedPath string, entities map[string]any, durationMs int) error {
	return s.InTx(ctx, func(tx *Store) error {
		file, err := tx.getFileForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if !file.Status.CanTransition(models.FileCompleted) {
			return fmt.Errorf("%w: file %s -> completed", ErrIllegalTransition, file.Status)
		}
		if err := tx.db.Model(&models.JobFile{}).Where("id = ?", fileID).
			Update("status", models.FileCompleted).Error; err != nil {
			return err
		}
		result := &models.ProcessingResult{
			ID:               uuid.New(),
			FileID:           file.ID,
			RedactedFilePath: redactedPath,
			EntitiesDetected: datatypes.JSONMap(entities),
			ProcessingTimeMs: durationMs,
		}
		if result.EntitiesDetected == nil {
			result.EntitiesDetected = datatypes.JSONMap{}
		}
		if err := tx.db.Create(result).Error; err != nil {
			return err
		}
		if err := tx.advanceProgress(ctx, file.JobID); err != nil {
			return err
		}
		return tx.appendAudit(ctx, file.JobID, &file.ID, "FILE_COMPLETED", datatypes.JSONMap{
			"processing_time_ms": durationMs,
		})
	})
}

// FailFile marks one file FAILED. At the retry cap, the failure also counts
// the file as processed so the job can finish with a truthful progress figure.
func (s *Store) FailFile(ctx context.Context, fileID uuid.UUID, reason string) error {
	return s.InTx(ctx, func(tx *Store) error {
		file, err := tx.getFileForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if !file.Status.CanTransition(models.FileFailed) {
			return fmt.Errorf("%w: file %s -> failed", ErrIllegalTransition, file.Status)
		}
		if err := tx.db.Model(&models.JobFile{}).Where("id = ?", fileID).
			Update("status", models.FileFailed).Error; err != nil {
			return err
		}
		if file.RetryCount >= models.MaxRetries {
			if err := tx.advanceProgress(ctx, file.JobID); err != nil {
				return err
			}
		}
		return tx.appendAudit(ctx, file.JobID, &file.ID, "FILE_FAILED", datatypes.JSONMap{
			"reason":      reason,
			"retry_count": file.RetryCount,
		})
	})
}

// FinishJob moves a PROCESSING job to COMPLETED or FAILED.
func (s *Store) FinishJob(ctx context.Context, jobID uuid.UUID, status models.JobStatus, errMsg string) error {
	if status != models.JobCompleted && status != models.JobFailed {
		return fmt.Errorf("%w: finish to %s", ErrIllegalTransition, status)
	}
	return s.InTx(ctx, func(tx *Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, status)
		}
		updates := map[string]any{"status": status}
		if status == models.JobCompleted {
			updates["progress"] = 100
		}
		if errMsg != "" {
			updates["error_message"] = errMsg
		}
		if err := tx.db.Model(&models.Job{}).Where("id = ?", jobID).
			Updates(updates).Error; err != nil {
			return err
		}
		details := datatypes.JSONMap{}
		if errMsg != "" {
			details["error"] = errMsg
		}
		return tx.appendAudit(ctx, jobID, nil, status2event(status), details)
	})
}

func status2event(s models.JobStatus) string {
	switch s {
	case models.JobCompleted:
		return "COMPLETED"
	case models.JobFailed:
		return "FAILED"
	default:
		return string(s)
	}
}

func (s *Store) getFileForUpdate(ctx context.Context, id uuid.UUID) (*models.JobFile, error) {
	var file models.JobFile
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&file, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// advanceProgress bumps processed_files by one and recomputes progress,
// clamped so processed_files can never pass total_files even under replays.
func (s *Store) advanceProgress(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.GetJobForUpdate(ctx, jobID)
	if err != nil {
		return err
	}
	processed := job.ProcessedFiles + 1
	if processed > job.TotalFiles {
		processed = job.TotalFiles
	}
	progress := 0
	if job.TotalFiles > 0 {
		progress = processed * 100 / job.TotalFiles
	}
	return s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"processed_files": processed,
			"progress":        progress,
		}).Error
}
