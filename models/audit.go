package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditLog is an append-only event record. Rows are never updated or deleted:
// a job cannot be removed while audit rows reference it (RESTRICT), and
// deleting a file nulls the reference instead of dropping the row. The audit
// trail outlives the entities it describes.
type AuditLog struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	JobID     uuid.UUID         `gorm:"type:uuid;not null;index" json:"job_id"`
	Job       Job               `gorm:"foreignKey:JobID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	FileID    *uuid.UUID        `gorm:"type:uuid;index" json:"file_id,omitempty"`
	File      *JobFile          `gorm:"foreignKey:FileID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"-"`
	EventType string            `gorm:"type:text;not null" json:"event_type"`
	Details   datatypes.JSONMap `gorm:"not null" json:"details"`
}
