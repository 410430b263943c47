package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/postflow/internal/models"
)

// GormStore implements Store on top of a relational database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the tables used by the scheduler.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ContentItem{},
		&models.ScheduleJob{},
		&models.AuditLogEntry{},
	)
}

// DB exposes the underlying handle for catalog writes outside the scheduler.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetJob(ctx context.Context, contentID string) (*models.ScheduleJob, error) {
	var job models.ScheduleJob
	if err := s.db.WithContext(ctx).Where("content_id = ?", contentID).First(&job).Error; err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *GormStore) UpsertJob(ctx context.Context, job *models.ScheduleJob) error {
	job.Revision = 1
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "content_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"scheduled_time":     job.ScheduledTime,
			"frequency":          job.Frequency,
			"recurrence_pattern": job.RecurrencePattern,
			"end_date":           job.EndDate,
			"is_active":          job.IsActive,
			"revision":           gorm.Expr("schedule_jobs.revision + 1"),
			"updated_at":         time.Now().UTC(),
		}),
	}).Create(job).Error
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	stored, err := s.GetJob(ctx, job.ContentID)
	if err != nil {
		return err
	}
	*job = *stored
	return nil
}

func (s *GormStore) SaveJob(ctx context.Context, job *models.ScheduleJob) error {
	res := s.db.WithContext(ctx).Model(&models.ScheduleJob{}).
		Where("content_id = ?", job.ContentID).
		Updates(map[string]interface{}{
			"scheduled_time":     job.ScheduledTime,
			"frequency":          job.Frequency,
			"recurrence_pattern": job.RecurrencePattern,
			"end_date":           job.EndDate,
			"is_active":          job.IsActive,
			"last_run_at":        job.LastRunAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListDue(ctx context.Context, until time.Time) ([]models.ScheduleJob, error) {
	var jobs []models.ScheduleJob
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND scheduled_time <= ?", true, until).
		Order("scheduled_time ASC, content_id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	return jobs, nil
}

func (s *GormStore) ListActiveBetween(ctx context.Context, from, to time.Time) ([]models.ScheduleJob, error) {
	var jobs []models.ScheduleJob
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND scheduled_time >= ? AND scheduled_time <= ?", true, from, to).
		Order("scheduled_time ASC, content_id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *GormStore) GetContent(ctx context.Context, id string) (*models.ContentItem, error) {
	var item models.ContentItem
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, translate(err)
	}
	return &item, nil
}

func (s *GormStore) SaveContent(ctx context.Context, item *models.ContentItem) error {
	if item.Status == "" {
		item.Status = models.StatusDraft
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ContentItem
		err := tx.First(&existing, "id = ?", item.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(item).Error
		}
		if err != nil {
			return err
		}

		cols := map[string]interface{}{
			"title":        item.Title,
			"location":     item.Location,
			"email":        item.Email,
			"requirements": item.Requirements,
			"hashtags":     item.Hashtags,
		}
		if renderedFieldsChanged(&existing, item) {
			// The attached artifact shows the old fields.
			cols["artifact_ref"] = ""
		}
		return tx.Model(&models.ContentItem{}).Where("id = ?", item.ID).Updates(cols).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save content: %w", err)
	}

	stored, err := s.GetContent(ctx, item.ID)
	if err != nil {
		return err
	}
	*item = *stored
	return nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, status models.Status, fields ...StatusField) error {
	cols := buildUpdate(fields).columns(status)
	res := s.db.WithContext(ctx).Model(&models.ContentItem{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("failed to update content status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AttachArtifact(ctx context.Context, id, artifactRef string) error {
	res := s.db.WithContext(ctx).Model(&models.ContentItem{}).Where("id = ?", id).Update("artifact_ref", artifactRef)
	if res.Error != nil {
		return fmt.Errorf("failed to attach artifact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListByStatusBetween(ctx context.Context, status models.Status, from, to time.Time) ([]models.ContentItem, error) {
	var items []models.ContentItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for >= ? AND scheduled_for <= ?", status, from, to).
		Order("scheduled_for ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	return items, nil
}

func (s *GormStore) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *GormStore) ListAudit(ctx context.Context, contentID string) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	err := s.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Order("timestamp DESC, id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
