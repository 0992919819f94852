package main

import (
	"log"
	"os"
	"strings"

	"guardvision/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func initDB(cfg Config) *gorm.DB {
	if cfg.DatabaseDSN == "" {
		log.Fatal("DB_DSN is not set. This service requires a Postgres DSN in DB_DSN.")
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		// Migrate models individually so a failure on one doesn't block others.
		// Jobs first: every other table carries an FK to it.
		if err := db.AutoMigrate(&models.Job{}); err != nil {
			log.Printf("migration warning (jobs): %v", err)
		}
		if err := db.AutoMigrate(&models.JobFile{}); err != nil {
			log.Printf("migration warning (job_files): %v", err)
		}
		if err := db.AutoMigrate(&models.ProcessingResult{}); err != nil {
			log.Printf("migration warning (processing_results): %v", err)
		}
		if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
			log.Printf("migration warning (audit_logs): %v", err)
		}
	}
	ensureUploadRoot(cfg.UploadRoot)
	return db
}

// ensureUploadRoot creates the base uploads directory; job-scoped
// subdirectories are created per ingestion.
func ensureUploadRoot(root string) {
	if err := os.MkdirAll(root, 0755); err != nil {
		log.Printf("failed to create upload root %s: %v", root, err)
	}
}
