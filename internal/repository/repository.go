// Package repository holds the persistence boundary of the scheduler: the
// job store, the content repository and the append-only audit log.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ifuryst/postflow/internal/models"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("record not found")

// JobStore persists one schedule per content item.
type JobStore interface {
	GetJob(ctx context.Context, contentID string) (*models.ScheduleJob, error)
	// UpsertJob inserts or replaces the job keyed by job.ContentID and bumps
	// its revision. job is refreshed with the stored row.
	UpsertJob(ctx context.Context, job *models.ScheduleJob) error
	// SaveJob writes an existing job without touching its revision.
	SaveJob(ctx context.Context, job *models.ScheduleJob) error
	// ListDue returns active jobs with ScheduledTime <= until.
	ListDue(ctx context.Context, until time.Time) ([]models.ScheduleJob, error)
	// ListActiveBetween returns active jobs with ScheduledTime in [from, to].
	ListActiveBetween(ctx context.Context, from, to time.Time) ([]models.ScheduleJob, error)
}

// ContentRepository reads content items and updates their publication fields.
type ContentRepository interface {
	GetContent(ctx context.Context, id string) (*models.ContentItem, error)
	// SaveContent inserts or updates the catalog fields of an item. Status and
	// publication fields of an existing item are left alone.
	SaveContent(ctx context.Context, item *models.ContentItem) error
	UpdateStatus(ctx context.Context, id string, status models.Status, fields ...StatusField) error
	AttachArtifact(ctx context.Context, id, artifactRef string) error
	ListByStatusBetween(ctx context.Context, status models.Status, from, to time.Time) ([]models.ContentItem, error)
}

// AuditLog is append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error
	// ListAudit returns entries for a content item, newest first.
	ListAudit(ctx context.Context, contentID string) ([]models.AuditLogEntry, error)
}

// Store groups the three collaborators and lets callers apply several
// writes as one unit.
type Store interface {
	JobStore
	ContentRepository
	AuditLog

	Transaction(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

// StatusUpdate carries the optional fields written alongside a status change.
type StatusUpdate struct {
	ScheduledFor      *time.Time
	ClearScheduledFor bool
	PublishedAt       *time.Time
	ExternalPostID    *string
}

// StatusField sets an optional field of a status update.
type StatusField func(*StatusUpdate)

// WithScheduledFor sets the scheduled_for column.
func WithScheduledFor(t time.Time) StatusField {
	return func(u *StatusUpdate) {
		u.ScheduledFor = &t
		u.ClearScheduledFor = false
	}
}

// ClearScheduledFor nulls the scheduled_for column.
func ClearScheduledFor() StatusField {
	return func(u *StatusUpdate) {
		u.ScheduledFor = nil
		u.ClearScheduledFor = true
	}
}

// WithPublished records a successful publication.
func WithPublished(at time.Time, externalID string) StatusField {
	return func(u *StatusUpdate) {
		u.PublishedAt = &at
		u.ExternalPostID = &externalID
	}
}

func buildUpdate(fields []StatusField) StatusUpdate {
	var u StatusUpdate
	for _, f := range fields {
		f(&u)
	}
	return u
}

func (u StatusUpdate) apply(item *models.ContentItem, status models.Status) {
	item.Status = status
	if u.ClearScheduledFor {
		item.ScheduledFor = nil
	} else if u.ScheduledFor != nil {
		t := *u.ScheduledFor
		item.ScheduledFor = &t
	}
	if u.PublishedAt != nil {
		t := *u.PublishedAt
		item.PublishedAt = &t
	}
	if u.ExternalPostID != nil {
		item.ExternalPostID = *u.ExternalPostID
	}
}

func (u StatusUpdate) columns(status models.Status) map[string]interface{} {
	cols := map[string]interface{}{"status": status}
	if u.ClearScheduledFor {
		cols["scheduled_for"] = nil
	} else if u.ScheduledFor != nil {
		cols["scheduled_for"] = *u.ScheduledFor
	}
	if u.PublishedAt != nil {
		cols["published_at"] = *u.PublishedAt
	}
	if u.ExternalPostID != nil {
		cols["external_post_id"] = *u.ExternalPostID
	}
	return cols
}

// renderedFieldsChanged reports whether an edit touches a field that is drawn
// on the rendered artifact.
func renderedFieldsChanged(old, edit *models.ContentItem) bool {
	return old.Title != edit.Title ||
		old.Location != edit.Location ||
		old.Email != edit.Email ||
		old.Requirements != edit.Requirements
}
