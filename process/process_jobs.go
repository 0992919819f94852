package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"guardvision/models"
	"guardvision/pkg/queue"
	"guardvision/pkg/store"
)

// global flags (parsed in main)
var verbose bool

func mustInitDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatalf("DB_DSN must be set in environment to run this tool")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	return gdb
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Main: drains the processing queue, moving each job and its files through
// the worker side of the state machine, with a periodic sweep that
// re-publishes jobs stuck in queued.
func main() {
	workers := flag.Int("workers", 0, "Worker pool size (default NumCPU)")
	popTimeout := flag.Duration("pop-timeout", 5*time.Second, "Blocking pop timeout per poll")
	requeueAfter := flag.Duration("requeue-after", 10*time.Minute, "Re-publish jobs stuck in queued longer than this")
	sweepEvery := flag.Duration("sweep-every", time.Minute, "Interval between requeue sweeps (0 disables)")
	once := flag.Bool("once", false, "Drain the queue once and exit instead of running forever")
	flag.BoolVar(&verbose, "verbose", false, "Verbose per-file logging")
	flag.Parse()

	if *workers <= 0 {
		*workers = runtime.NumCPU()
	}

	st := store.New(mustInitDBFromEnv())
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	queueKey := envOr("QUEUE_KEY", "processing_queue")
	consumer := queue.NewConsumer(redisAddr, queueKey)
	defer consumer.Close()

	ctx := context.Background()

	if *sweepEvery > 0 && !*once {
		pub := queue.NewPublisher(redisAddr, queueKey)
		defer pub.Close()
		go requeueSweep(ctx, st, pub, *sweepEvery, *requeueAfter)
	}

	jobs := make(chan uuid.UUID, *workers)
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				processJob(ctx, st, id)
			}
		}()
	}

	log.Printf("processing worker started: workers=%d queue=%s", *workers, queueKey)
	for {
		id, err := consumer.Pop(ctx, *popTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			if *once {
				break
			}
			continue
		}
		if err != nil {
			log.Printf("queue pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		jobs <- id
	}
	close(jobs)
	wg.Wait()
}

// requeueSweep re-publishes jobs that committed but whose queue entry was
// lost. Double delivery is harmless: StartJob only succeeds once per job.
func requeueSweep(ctx context.Context, st *store.Store, pub *queue.Publisher, every, after time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for range t.C {
		ids, err := st.StaleQueuedJobs(ctx, time.Now().Add(-after))
		if err != nil {
			log.Printf("requeue sweep query failed: %v", err)
			continue
		}
		for _, id := range ids {
			if err := pub.Publish(ctx, id); err != nil {
				log.Printf("requeue of job %s failed: %v", id, err)
				continue
			}
			log.Printf("re-published stale queued job %s", id)
		}
	}
}

func processJob(ctx context.Context, st *store.Store, jobID uuid.UUID) {
	if err := st.StartJob(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// Re-delivered entry; another worker already owns this job.
			if verbose {
				log.Printf("job %s: already taken (%v)", jobID, err)
			}
			return
		}
		log.Printf("job %s: start failed: %v", jobID, err)
		return
	}

	files, err := st.ListFiles(ctx, jobID)
	if err != nil {
		log.Printf("job %s: list files failed: %v", jobID, err)
		return
	}

	failed := 0
	for i := range files {
		if !processFileWithRetries(ctx, st, &files[i]) {
			failed++
		}
	}

	status := models.JobCompleted
	errMsg := ""
	if failed > 0 {
		status = models.JobFailed
		errMsg = fmt.Sprintf("%d of %d files failed", failed, len(files))
	}
	if err := st.FinishJob(ctx, jobID, status, errMsg); err != nil {
		log.Printf("job %s: finish failed: %v", jobID, err)
		return
	}
	log.Printf("job %s: %s (%d files, %d failed)", jobID, status, len(files), failed)
}

// processFileWithRetries runs one file through processing, re-attempting a
// failure while retry headroom remains. Returns true when the file completed.
func processFileWithRetries(ctx context.Context, st *store.Store, f *models.JobFile) bool {
	for {
		if err := st.StartFile(ctx, f.ID); err != nil {
			log.Printf("file %s: start failed: %v", f.ID, err)
			return false
		}
		started := time.Now()
		redacted, err := redactFile(f)
		if err == nil {
			ms := int(time.Since(started).Milliseconds())
			if cerr := st.CompleteFile(ctx, f.ID, redacted, nil, ms); cerr != nil {
				log.Printf("file %s: complete failed: %v", f.ID, cerr)
				return false
			}
			if verbose {
				log.Printf("file %s: completed in %dms", f.ID, ms)
			}
			return true
		}
		log.Printf("file %s: processing failed: %v", f.ID, err)
		if ferr := st.FailFile(ctx, f.ID, err.Error()); ferr != nil {
			log.Printf("file %s: fail transition failed: %v", f.ID, ferr)
			return false
		}
		f.RetryCount++
		if f.RetryCount > models.MaxRetries {
			return false
		}
		f.Status = models.FileFailed
	}
}

// redactFile produces the redacted artifact next to the original. Images get
// a blur re-encode; DICOM studies are copied byte for byte until the DICOM
// redaction backend handles them.
func redactFile(f *models.JobFile) (string, error) {
	dir := filepath.Dir(f.StoredPath)
	out := filepath.Join(dir, "redacted_"+filepath.Base(f.StoredPath))

	if f.FileType == models.TypeDICOM {
		if err := copyFile(f.StoredPath, out); err != nil {
			return "", err
		}
		return out, nil
	}

	img, err := imaging.Open(f.StoredPath)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", f.StoredPath, err)
	}
	blurred := imaging.Blur(img, 8.0)
	if err := imaging.Save(blurred, out); err != nil {
		return "", fmt.Errorf("save redacted %s: %w", out, err)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
