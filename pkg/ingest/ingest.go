// Package ingest implements the upload orchestrator: streaming validation,
// blob persistence, the single ingestion transaction and the post-commit
// queue hand-off.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"guardvision/models"
	"guardvision/pkg/store"
	"guardvision/pkg/validate"
)

// Upload is one file of an ingestion batch. Open must return a fresh reader
// on every call; the size check consumes one pass and persistence a second.
type Upload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// Receipt is returned to the client after a successful ingestion.
type Receipt struct {
	JobID         uuid.UUID `json:"job_id"`
	FilesReceived int       `json:"files_received"`
	Status        string    `json:"status"`
}

// Tx is the slice of the repository the orchestrator uses inside the
// ingestion transaction.
type Tx interface {
	GetJobForUpdate(ctx context.Context, id uuid.UUID) (*models.Job, error)
	AddFiles(ctx context.Context, files []*models.JobFile) error
	MarkJobQueued(ctx context.Context, job *models.Job, totalFiles int) error
}

// Repository opens the ingestion transaction.
type Repository interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// BlobStore persists validated content under a job-scoped directory.
type BlobStore interface {
	Save(jobID uuid.UUID, name string, r io.Reader) (string, error)
	Cleanup(paths []string)
}

// Publisher hands a committed job to the processing queue. Best-effort.
type Publisher interface {
	Publish(ctx context.Context, jobID uuid.UUID) error
}

// Orchestrator drives the all-or-nothing ingestion of one batch.
type Orchestrator struct {
	repo  Repository
	blobs BlobStore
	pub   Publisher
	rules validate.Rules
}

func New(repo Repository, blobs BlobStore, pub Publisher, rules validate.Rules) *Orchestrator {
	return &Orchestrator{repo: repo, blobs: blobs, pub: pub, rules: rules}
}

// NewWithStore wires the orchestrator to the GORM-backed repository.
func NewWithStore(s *store.Store, blobs BlobStore, pub Publisher, rules validate.Rules) *Orchestrator {
	return New(gormRepo{s: s}, blobs, pub, rules)
}

type gormRepo struct{ s *store.Store }

func (g gormRepo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return g.s.InTx(ctx, func(tx *store.Store) error { return fn(tx) })
}

// Ingest validates and persists a batch of uploads against a CREATED job,
// transitions it to QUEUED in the same transaction, and publishes the job id
// after commit. Any failure rolls everything back, removes the blobs written
// for this attempt, and leaves the job exactly as it was, so the client can
// safely retry the whole upload.
func (o *Orchestrator) Ingest(ctx context.Context, jobID uuid.UUID, uploads []Upload) (*Receipt, error) {
	var written []string

	err := o.repo.InTx(ctx, func(tx Tx) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if job.Status != models.JobCreated {
			return ErrJobConflict
		}
		if len(uploads) == 0 {
			return &ValidationError{Reason: "no files provided"}
		}
		if len(uploads) > o.rules.MaxFilesPerJob {
			return &ValidationError{Reason: fmt.Sprintf("max %d files allowed per job", o.rules.MaxFilesPerJob)}
		}

		pending := make([]*models.JobFile, 0, len(uploads))
		for _, up := range uploads {
			path, file, err := o.ingestOne(jobID, up)
			if err != nil {
				return err
			}
			written = append(written, path)
			pending = append(pending, file)
		}

		if err := tx.AddFiles(ctx, pending); err != nil {
			return fmt.Errorf("insert file rows: %w", err)
		}
		return tx.MarkJobQueued(ctx, job, len(pending))
	})
	if err != nil {
		// Cleanup never masks the original failure; errors inside are logged
		// and swallowed.
		o.blobs.Cleanup(written)
		return nil, err
	}

	// Publish strictly after commit: a worker must never observe a job the
	// database has not durably recorded. Broker failures are logged only; the
	// requeue sweep re-publishes stale QUEUED jobs.
	if err := o.pub.Publish(ctx, jobID); err != nil {
		log.Printf("enqueue of job %s failed (will be re-published by the sweep): %v", jobID, err)
	}

	return &Receipt{JobID: jobID, FilesReceived: len(uploads), Status: string(models.JobQueued)}, nil
}

// ingestOne validates one upload and writes it to the blob store, returning
// the stored path and the pending row.
func (o *Orchestrator) ingestOne(jobID uuid.UUID, up Upload) (string, *models.JobFile, error) {
	if !o.rules.ValidExtension(up.Filename) {
		return "", nil, &ValidationError{
			Reason:       fmt.Sprintf("invalid file type: %s", up.Filename),
			AllowedTypes: o.rules.AllowedExtensions(),
		}
	}

	// First pass counts bytes and fails fast at the ceiling without
	// buffering the file.
	rc, err := up.Open()
	if err != nil {
		return "", nil, &StorageError{Err: err}
	}
	_, err = validate.EnforceSizeStreaming(rc, o.rules.MaxFileSizeBytes)
	rc.Close()
	if errors.Is(err, validate.ErrFileTooLarge) {
		return "", nil, &ValidationError{
			Reason: fmt.Sprintf("file %s exceeds %dMB", up.Filename, o.rules.MaxFileSizeMB()),
		}
	}
	if err != nil {
		return "", nil, &StorageError{Err: err}
	}

	// Stored name is server-generated; the untrusted original filename is
	// display-only and never touches the filesystem.
	name := uuid.New().String() + "." + validate.Ext(up.Filename)

	rc, err = up.Open()
	if err != nil {
		return "", nil, &StorageError{Err: err}
	}
	path, err := o.blobs.Save(jobID, name, rc)
	rc.Close()
	if err != nil {
		return "", nil, &StorageError{Err: err}
	}

	return path, &models.JobFile{
		ID:               uuid.New(),
		JobID:            jobID,
		OriginalFilename: up.Filename,
		StoredPath:       path,
		FileType:         validate.Classify(up.Filename),
		Status:           models.FileQueued,
	}, nil
}
