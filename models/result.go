package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ProcessingResult holds the output of successfully processing one JobFile.
// At most one per file; it cascades away only if its file is ever deleted.
type ProcessingResult struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	FileID           uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex" json:"file_id"`
	File             JobFile           `gorm:"foreignKey:FileID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	RedactedFilePath string            `gorm:"type:text;not null" json:"redacted_file_path"`
	EntitiesDetected datatypes.JSONMap `gorm:"not null" json:"entities_detected"`
	ProcessingTimeMs int               `gorm:"not null" json:"processing_time_ms"`
}
