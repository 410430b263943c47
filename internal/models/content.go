package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Status is the publication state of a content item.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// StringArray is stored as a PostgreSQL text[] and as plain text elsewhere.
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case string:
		// PostgreSQL array format: {value1,value2,value3}
		trimmed := strings.Trim(v, "{}")
		if trimmed == "" {
			*s = StringArray{}
			return nil
		}

		parts := strings.Split(trimmed, ",")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.ReplaceAll(strings.Trim(strings.TrimSpace(part), "\""), "\\\"", "\"")
		}
		*s = result
		return nil
	case []byte:
		var arr []string
		if err := json.Unmarshal(v, &arr); err == nil {
			*s = arr
			return nil
		}
		return s.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}

	quoted := make([]string, len(s))
	for i, v := range s {
		escaped := strings.ReplaceAll(v, "\"", "\\\"")
		quoted[i] = fmt.Sprintf("\"%s\"", escaped)
	}

	return fmt.Sprintf("{%s}", strings.Join(quoted, ",")), nil
}

// GormDBDataType picks the column type per dialect.
func (StringArray) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}

// ContentItem is a publishable post. The catalog owns it, the scheduler only
// reads it and updates its publication fields.
type ContentItem struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id"`
	Title          string         `gorm:"not null;size:200" json:"title"`
	Location       string         `gorm:"size:200" json:"location"`
	Email          string         `gorm:"size:200" json:"email"`
	Requirements   string         `gorm:"type:text" json:"requirements"`
	Hashtags       StringArray    `json:"hashtags"`
	Status         Status         `gorm:"size:20;not null;default:'draft';index" json:"status"`
	ScheduledFor   *time.Time     `gorm:"index" json:"scheduled_for"`
	PublishedAt    *time.Time     `json:"published_at"`
	ExternalPostID string         `gorm:"size:100" json:"external_post_id,omitempty"`
	ArtifactRef    string         `gorm:"size:500" json:"artifact_ref,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (ContentItem) TableName() string {
	return "content_items"
}

// HasArtifact reports whether a rendered artifact is already attached.
func (c *ContentItem) HasArtifact() bool {
	return strings.TrimSpace(c.ArtifactRef) != ""
}
