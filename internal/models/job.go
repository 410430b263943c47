package models

import (
	"time"
)

// Frequency is the recurrence rule of a job.
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	// FrequencyCustom follows the cron expression in RecurrencePattern.
	FrequencyCustom Frequency = "custom"
)

// Valid reports whether f is a recognized frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
		return true
	}
	return false
}

// Recurring reports whether the job re-arms after an execution.
func (f Frequency) Recurring() bool {
	return f.Valid() && f != FrequencyOnce
}

// ScheduleJob is the durable schedule of one content item. ContentID is the
// key: there is never more than one row per content item.
type ScheduleJob struct {
	ContentID         string     `gorm:"primaryKey;size:64" json:"content_id"`
	ScheduledTime     time.Time  `gorm:"not null;index:idx_schedule_jobs_due,priority:2" json:"scheduled_time"`
	Frequency         Frequency  `gorm:"size:20;not null;default:'once'" json:"frequency"`
	RecurrencePattern string     `gorm:"size:100" json:"recurrence_pattern,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	IsActive          bool       `gorm:"not null;index:idx_schedule_jobs_due,priority:1" json:"is_active"`
	// Revision increments on every upsert so stale occurrences can be told apart.
	Revision  uint64     `gorm:"not null;default:0" json:"revision"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ScheduleJob) TableName() string {
	return "schedule_jobs"
}
