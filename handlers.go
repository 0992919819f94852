package main

import (
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"

	"guardvision/pkg/ingest"
	"guardvision/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// server bundles the components the handlers need. Everything is injected at
// construction; handlers hold no global state.
type server struct {
	store *store.Store
	orch  *ingest.Orchestrator
}

func setupRoutes(r *gin.Engine, s *server) {
	v1 := r.Group("/api/v1")
	v1.POST("/jobs", s.createJobHandler)
	v1.POST("/jobs/:id/files", s.uploadFilesHandler)
	v1.GET("/jobs/:id", s.jobStatusHandler)
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "GuardVision API is running"})
	})
}

// createJobHandler opens a fresh job in CREATED state with zero counts.
func (s *server) createJobHandler(c *gin.Context) {
	job, err := s.store.CreateJob(c.Request.Context())
	if err != nil {
		log.Printf("create job failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, job)
}

// uploadFilesHandler ingests a multipart batch against a CREATED job and
// translates the orchestrator's error taxonomy to HTTP codes.
func (s *server) uploadFilesHandler(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed multipart request"})
		return
	}
	uploads := make([]ingest.Upload, 0, len(form.File["files"]))
	for _, fh := range form.File["files"] {
		uploads = append(uploads, uploadFromHeader(fh))
	}

	rec, err := s.orch.Ingest(c.Request.Context(), jobID, uploads)
	if err != nil {
		s.writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func uploadFromHeader(fh *multipart.FileHeader) ingest.Upload {
	return ingest.Upload{
		Filename: fh.Filename,
		// Open returns a fresh reader per call: one pass for the size check,
		// one for persistence.
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

func (s *server) writeIngestError(c *gin.Context, err error) {
	var ve *ingest.ValidationError
	switch {
	case errors.Is(err, ingest.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, ingest.ErrJobConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "job already queued or processed"})
	case errors.As(err, &ve):
		body := gin.H{"error": ve.Reason}
		if len(ve.AllowedTypes) > 0 {
			body["allowed_types"] = ve.AllowedTypes
		}
		c.JSON(http.StatusBadRequest, body)
	default:
		log.Printf("ingest failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// jobStatusHandler is the read-only projection polled by clients.
func (s *server) jobStatusHandler(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		log.Printf("fetch job %s failed: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, job)
}
