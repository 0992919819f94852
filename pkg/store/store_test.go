package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"guardvision/models"
)

// repository tests are opt-in like the server integration tests. Set
// DB_DSN_TEST=1 and DB_DSN to run them against a real Postgres.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("repository tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	db, err := gorm.Open(postgres.Open(os.Getenv("DB_DSN")), &gorm.Config{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, m := range []any{&models.Job{}, &models.JobFile{}, &models.ProcessingResult{}, &models.AuditLog{}} {
		if err := db.AutoMigrate(m); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return New(db)
}

func ingestTwo(t *testing.T, s *Store, ctx context.Context) (*models.Job, []*models.JobFile) {
	t.Helper()
	job, err := s.CreateJob(ctx)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	files := []*models.JobFile{
		{ID: uuid.New(), JobID: job.ID, OriginalFilename: "a.png", StoredPath: "/tmp/a", FileType: models.TypeImage, Status: models.FileQueued},
		{ID: uuid.New(), JobID: job.ID, OriginalFilename: "b.dcm", StoredPath: "/tmp/b", FileType: models.TypeDICOM, Status: models.FileQueued},
	}
	err = s.InTx(ctx, func(tx *Store) error {
		locked, err := tx.GetJobForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := tx.AddFiles(ctx, files); err != nil {
			return err
		}
		return tx.MarkJobQueued(ctx, locked, len(files))
	})
	if err != nil {
		t.Fatalf("ingest tx: %v", err)
	}
	return job, files
}

func TestJobLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job, files := ingestTwo(t, s, ctx)

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobQueued || got.TotalFiles != 2 || got.ProcessedFiles != 0 {
		t.Fatalf("after ingest: %+v", got)
	}

	// Queue delivery: first start wins, replays are rejected.
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("start job: %v", err)
	}
	if err := s.StartJob(ctx, job.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("replayed start must be illegal, got %v", err)
	}

	// First file completes; counts and progress advance together.
	if err := s.StartFile(ctx, files[0].ID); err != nil {
		t.Fatalf("start file: %v", err)
	}
	if err := s.CompleteFile(ctx, files[0].ID, "/tmp/redacted_a", map[string]any{"FACE": 2}, 120); err != nil {
		t.Fatalf("complete file: %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.ProcessedFiles != 1 || got.Progress != 50 {
		t.Fatalf("after one file: processed=%d progress=%d", got.ProcessedFiles, got.Progress)
	}

	// Second file exhausts its retries.
	for attempt := 0; attempt <= models.MaxRetries; attempt++ {
		if err := s.StartFile(ctx, files[1].ID); err != nil {
			t.Fatalf("start file attempt %d: %v", attempt, err)
		}
		if err := s.FailFile(ctx, files[1].ID, "decode error"); err != nil {
			t.Fatalf("fail file attempt %d: %v", attempt, err)
		}
	}
	if err := s.StartFile(ctx, files[1].ID); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("exhausted file must stay failed, got %v", err)
	}

	got, _ = s.GetJob(ctx, job.ID)
	if got.ProcessedFiles != 2 || got.ProcessedFiles > got.TotalFiles {
		t.Fatalf("terminal failure must count as processed: %+v", got)
	}

	if err := s.FinishJob(ctx, job.ID, models.JobFailed, "1 of 2 files failed"); err != nil {
		t.Fatalf("finish job: %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed || got.ErrorMessage == nil {
		t.Fatalf("after finish: %+v", got)
	}
}

// Two ingestion transactions race on one job: the row lock serializes them,
// the loser observes the job already queued and rolls back, and only the
// winner's file rows survive.
func TestConcurrentIngestSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	const perBatch = 2
	errs := make(chan error, 2)
	for w := 0; w < 2; w++ {
		go func(w int) {
			errs <- s.InTx(ctx, func(tx *Store) error {
				locked, err := tx.GetJobForUpdate(ctx, job.ID)
				if err != nil {
					return err
				}
				files := make([]*models.JobFile, perBatch)
				for i := range files {
					files[i] = &models.JobFile{
						ID:               uuid.New(),
						JobID:            job.ID,
						OriginalFilename: fmt.Sprintf("w%d-%d.png", w, i),
						StoredPath:       fmt.Sprintf("/tmp/w%d-%d", w, i),
						FileType:         models.TypeImage,
						Status:           models.FileQueued,
					}
				}
				if err := tx.AddFiles(ctx, files); err != nil {
					return err
				}
				return tx.MarkJobQueued(ctx, locked, len(files))
			})
		}(w)
	}

	var won, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrIllegalTransition):
			rejected++
		default:
			t.Fatalf("unexpected ingest error: %v", err)
		}
	}
	if won != 1 || rejected != 1 {
		t.Fatalf("got %d successes and %d rejections, want exactly 1 and 1", won, rejected)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobQueued || got.TotalFiles != perBatch {
		t.Fatalf("after race: %+v", got)
	}
	files, err := s.ListFiles(ctx, job.ID)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != perBatch {
		t.Fatalf("loser's rows leaked: %d file rows, want %d", len(files), perBatch)
	}
}

// A canceled context stops the transaction, audit insert included.
func TestCreateJobHonorsCancellation(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.CreateJob(ctx); err == nil {
		t.Fatalf("create with canceled context must fail")
	}
}

// The FILE_PROCESSING audit row carries the count of the attempt being
// started, not the previous one.
func TestRetryAuditRecordsAttempt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, files := ingestTwo(t, s, ctx)
	fid := files[0].ID

	if err := s.StartFile(ctx, fid); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.FailFile(ctx, fid, "decode error"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.StartFile(ctx, fid); err != nil {
		t.Fatalf("retry start: %v", err)
	}

	var audits []models.AuditLog
	err := s.db.Where("file_id = ? AND event_type = ?", fid, "FILE_PROCESSING").
		Order("created_at asc").Find(&audits).Error
	if err != nil {
		t.Fatalf("load audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected 2 FILE_PROCESSING rows, got %d", len(audits))
	}
	first, _ := audits[0].Details["retry_count"].(float64)
	second, _ := audits[1].Details["retry_count"].(float64)
	if first != 0 || second != 1 {
		t.Fatalf("retry_count trail %v -> %v, want 0 -> 1", first, second)
	}
}

func TestIngestTxRollsBackTogether(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx *Store) error {
		locked, err := tx.GetJobForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		file := &models.JobFile{ID: uuid.New(), JobID: job.ID, OriginalFilename: "a.png", StoredPath: "/tmp/a", FileType: models.TypeImage, Status: models.FileQueued}
		if err := tx.AddFiles(ctx, []*models.JobFile{file}); err != nil {
			return err
		}
		if err := tx.MarkJobQueued(ctx, locked, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobCreated || got.TotalFiles != 0 {
		t.Fatalf("rollback leaked state: %+v", got)
	}
	files, _ := s.ListFiles(ctx, job.ID)
	if len(files) != 0 {
		t.Fatalf("rollback left %d file rows", len(files))
	}
}

func TestMarkQueuedRequiresFiles(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	err = s.InTx(ctx, func(tx *Store) error {
		locked, err := tx.GetJobForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		return tx.MarkJobQueued(ctx, locked, 0)
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("queueing an empty job must be illegal, got %v", err)
	}
}

func TestAuditTrailOutlivesFiles(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job, files := ingestTwo(t, s, ctx)

	var audits []models.AuditLog
	if err := s.db.Where("job_id = ?", job.ID).Find(&audits).Error; err != nil {
		t.Fatalf("load audits: %v", err)
	}
	// one for CREATED, one for QUEUED
	if len(audits) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(audits))
	}

	// Deleting a file nulls the audit reference instead of dropping the row.
	if err := s.StartFile(ctx, files[0].ID); err != nil {
		t.Fatalf("start file: %v", err)
	}
	var before int64
	s.db.Model(&models.AuditLog{}).Where("job_id = ?", job.ID).Count(&before)
	if err := s.db.Where("file_id = ?", files[0].ID).Delete(&models.ProcessingResult{}).Error; err != nil {
		t.Fatalf("clear results: %v", err)
	}
	if err := s.db.Delete(&models.JobFile{}, "id = ?", files[0].ID).Error; err != nil {
		t.Fatalf("delete file: %v", err)
	}
	var after int64
	s.db.Model(&models.AuditLog{}).Where("job_id = ?", job.ID).Count(&after)
	if after != before {
		t.Fatalf("audit rows changed on file delete: %d -> %d", before, after)
	}

	// Deleting the job is refused while audit rows reference it.
	if err := s.db.Delete(&models.Job{}, "id = ?", job.ID).Error; err == nil {
		t.Fatalf("job delete must be restricted by audit references")
	}
}
