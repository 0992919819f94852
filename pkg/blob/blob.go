// Package blob persists uploaded content under job-scoped directories and
// supports best-effort cleanup when an ingestion attempt fails.
package blob

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store writes blobs below Root, one directory per job. Concurrent ingestion
// of different jobs never contends on the filesystem because the trees are
// disjoint.
type Store struct {
	Root string
}

func NewStore(root string) *Store {
	return &Store{Root: root}
}

// JobDir returns the directory that holds all blobs for one job.
func (s *Store) JobDir(jobID uuid.UUID) string {
	return filepath.Join(s.Root, jobID.String())
}

// Save streams r to {root}/{job_id}/{name} and returns the stored path. The
// name is server-generated by the caller; the untrusted original filename
// never reaches the filesystem.
func (s *Store) Save(jobID uuid.UUID, name string, r io.Reader) (string, error) {
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close blob: %w", err)
	}
	return path, nil
}

// Remove deletes a single stored blob. Missing files are not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup removes every path written during a failed ingestion attempt.
// Errors are logged and swallowed so they never mask the original failure.
func (s *Store) Cleanup(paths []string) {
	for _, p := range paths {
		if err := s.Remove(p); err != nil {
			log.Printf("blob cleanup failed for %s: %v", p, err)
		}
	}
}
