package main

import (
	"fmt"
	"os"

	"guardvision/pkg/blob"
	"guardvision/pkg/ingest"
	"guardvision/pkg/queue"
	"guardvision/pkg/store"

	"github.com/gin-gonic/gin"
)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	cfg := loadConfig()

	// Support a lightweight migrate command: `./guardvision migrate`
	// It runs AutoMigrate then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB(cfg)
		fmt.Println("migration completed")
		return
	}

	db := initDB(cfg)
	st := store.New(db)
	blobs := blob.NewStore(cfg.UploadRoot)
	pub := queue.NewPublisher(cfg.RedisAddr, cfg.QueueKey)
	defer pub.Close()

	s := &server{
		store: st,
		orch:  ingest.NewWithStore(st, blobs, pub, cfg.uploadRules()),
	}

	r := gin.Default()
	setupRoutes(r, s)

	r.Run(":" + cfg.Port)
}
