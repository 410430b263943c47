package models

import (
	"time"
)

// Action is the kind of operation recorded in the audit log.
type Action string

const (
	ActionPublish      Action = "publish"
	ActionPublishStory Action = "publish_story"
	ActionSchedule     Action = "schedule"
	ActionCancel       Action = "cancel"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// AuditLogEntry is append-only. Rows are never updated or deleted.
type AuditLogEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ContentID   string    `gorm:"size:64;not null;index" json:"content_id"`
	Action      Action    `gorm:"size:32;not null" json:"action"`
	Outcome     Outcome   `gorm:"size:16;not null;index" json:"outcome"`
	ErrorDetail *string   `gorm:"type:text" json:"error_detail,omitempty"`
	AttemptID   string    `gorm:"size:36;index" json:"attempt_id,omitempty"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
}

func (AuditLogEntry) TableName() string {
	return "audit_log_entries"
}
