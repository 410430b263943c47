package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/models"
	"github.com/ifuryst/postflow/internal/repository"
	"github.com/ifuryst/postflow/internal/service/publisher"
	"github.com/ifuryst/postflow/internal/service/render"
)

const (
	maxCalendarRange    = 90 * 24 * time.Hour
	calendarEventLength = 30 * time.Minute
	maxEventsPerJob     = 1000
)

type ManagerConfig struct {
	DefaultUpcomingHours int
	// RenderRetryDelay pushes a one-shot job back after a render failure.
	RenderRetryDelay time.Duration
	CoalesceMissed   bool
	StoryEnabled     bool
	Captions         publisher.CaptionBuilder
}

// ScheduleManager owns the schedule of every content item and drives
// executions. All mutations of one content item are serialized.
type ScheduleManager struct {
	store     repository.Store
	publisher publisher.Publisher
	renderer  render.Renderer
	cfg       ManagerConfig
	logger    *zap.Logger
	locks     *keyedMutex
	now       func() time.Time
}

func NewScheduleManager(store repository.Store, pub publisher.Publisher, renderer render.Renderer, cfg ManagerConfig, logger *zap.Logger) *ScheduleManager {
	if cfg.DefaultUpcomingHours <= 0 {
		cfg.DefaultUpcomingHours = 24
	}
	if cfg.RenderRetryDelay <= 0 {
		cfg.RenderRetryDelay = 5 * time.Minute
	}
	return &ScheduleManager{
		store:     store,
		publisher: pub,
		renderer:  renderer,
		cfg:       cfg,
		logger:    logger,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleRequest describes a schedule to create or replace.
type ScheduleRequest struct {
	ContentID         string           `json:"content_id"`
	DueTime           time.Time        `json:"due_time"`
	Frequency         models.Frequency `json:"frequency"`
	RecurrencePattern string           `json:"recurrence_pattern,omitempty"`
	EndDate           *time.Time       `json:"end_date,omitempty"`
}

// Schedule creates or replaces the job of a content item and marks the item
// scheduled. A replaced job gets a new revision, so any occurrence of the
// old one that is already queued is skipped.
func (m *ScheduleManager) Schedule(ctx context.Context, req ScheduleRequest) (*models.ScheduleJob, error) {
	if err := validateRule(req.Frequency, req.RecurrencePattern); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ContentID) == "" {
		return nil, fmt.Errorf("schedule: %w: empty content id", ErrContentNotFound)
	}

	unlock, err := m.locks.Lock(ctx, req.ContentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	due := req.DueTime.UTC()
	job := &models.ScheduleJob{
		ContentID:     req.ContentID,
		ScheduledTime: due,
		Frequency:     req.Frequency,
		IsActive:      true,
	}
	if req.Frequency == models.FrequencyCustom {
		job.RecurrencePattern = strings.TrimSpace(req.RecurrencePattern)
	}
	if req.EndDate != nil {
		end := req.EndDate.UTC()
		job.EndDate = &end
	}

	err = m.store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.GetContent(ctx, req.ContentID); err != nil {
			return err
		}
		if err := tx.UpsertJob(ctx, job); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, req.ContentID, models.StatusScheduled, repository.WithScheduledFor(due)); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, m.newEntry(req.ContentID, models.ActionSchedule, "", publisher.Result{Success: true}))
	})
	if err != nil {
		return nil, storeError("schedule", err)
	}

	m.logger.Info("Scheduled content",
		zap.String("content_id", job.ContentID),
		zap.String("frequency", string(job.Frequency)),
		zap.Time("scheduled_time", job.ScheduledTime),
		zap.Uint64("revision", job.Revision))
	return job, nil
}

// Cancel deactivates the job of a content item and returns the item to
// draft. Cancelling an item without an active job is a no-op.
func (m *ScheduleManager) Cancel(ctx context.Context, contentID string) error {
	unlock, err := m.locks.Lock(ctx, contentID)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := m.store.GetJob(ctx, contentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError("cancel", err)
	}
	if !job.IsActive {
		return nil
	}

	job.IsActive = false
	err = m.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}
		err := tx.UpdateStatus(ctx, contentID, models.StatusDraft, repository.ClearScheduledFor())
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return tx.AppendAudit(ctx, m.newEntry(contentID, models.ActionCancel, "", publisher.Result{Success: true}))
	})
	if err != nil {
		return storeError("cancel", err)
	}

	m.logger.Info("Cancelled schedule", zap.String("content_id", contentID))
	return nil
}

// ListDue returns active jobs with a scheduled time in [asOf, asOf+horizon],
// earliest first.
func (m *ScheduleManager) ListDue(ctx context.Context, asOf time.Time, horizon time.Duration) ([]models.ScheduleJob, error) {
	if horizon < 0 {
		return nil, fmt.Errorf("%w: negative horizon", ErrInvalidRange)
	}
	jobs, err := m.store.ListActiveBetween(ctx, asOf.UTC(), asOf.UTC().Add(horizon))
	if err != nil {
		return nil, storeError("list due", err)
	}
	return jobs, nil
}

// ListUpcoming returns the jobs due within the next hours. Zero or negative
// hours use the configured default.
func (m *ScheduleManager) ListUpcoming(ctx context.Context, hours int) ([]models.ScheduleJob, error) {
	if hours <= 0 {
		hours = m.cfg.DefaultUpcomingHours
	}
	return m.ListDue(ctx, m.now(), time.Duration(hours)*time.Hour)
}

// UpcomingContent returns scheduled content items due within the next hours.
func (m *ScheduleManager) UpcomingContent(ctx context.Context, hours int) ([]models.ContentItem, error) {
	if hours <= 0 {
		hours = m.cfg.DefaultUpcomingHours
	}
	now := m.now()
	items, err := m.store.ListByStatusBetween(ctx, models.StatusScheduled, now, now.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, storeError("upcoming content", err)
	}
	return items, nil
}

// Occurrence identifies one firing of a job.
type Occurrence struct {
	ContentID     string    `json:"content_id"`
	Revision      uint64    `json:"revision"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

func occurrenceOf(job *models.ScheduleJob) Occurrence {
	return Occurrence{ContentID: job.ContentID, Revision: job.Revision, ScheduledTime: job.ScheduledTime}
}

// DueOccurrences returns the occurrences due at now, i.e. active jobs whose
// scheduled time is not after now.
func (m *ScheduleManager) DueOccurrences(ctx context.Context, now time.Time) ([]Occurrence, error) {
	jobs, err := m.store.ListDue(ctx, now.UTC())
	if err != nil {
		return nil, storeError("list due", err)
	}
	occs := make([]Occurrence, 0, len(jobs))
	for i := range jobs {
		occs = append(occs, occurrenceOf(&jobs[i]))
	}
	return occs, nil
}

// ScheduleSettings is the schedule of one content item as seen by operators.
type ScheduleSettings struct {
	ContentID         string           `json:"content_id"`
	HasSchedule       bool             `json:"has_schedule"`
	Status            models.Status    `json:"status"`
	ScheduledTime     *time.Time       `json:"scheduled_time"`
	Frequency         models.Frequency `json:"frequency"`
	RecurrencePattern string           `json:"recurrence_pattern,omitempty"`
	EndDate           *time.Time       `json:"end_date,omitempty"`
	IsActive          bool             `json:"is_active"`
	Revision          uint64           `json:"revision,omitempty"`
	LastRunAt         *time.Time       `json:"last_run_at,omitempty"`
}

func (m *ScheduleManager) GetScheduleSettings(ctx context.Context, contentID string) (*ScheduleSettings, error) {
	item, err := m.store.GetContent(ctx, contentID)
	if err != nil {
		return nil, storeError("get schedule settings", err)
	}

	settings := &ScheduleSettings{
		ContentID:     contentID,
		Status:        item.Status,
		ScheduledTime: item.ScheduledFor,
		Frequency:     models.FrequencyOnce,
	}

	job, err := m.store.GetJob(ctx, contentID)
	if errors.Is(err, repository.ErrNotFound) {
		return settings, nil
	}
	if err != nil {
		return nil, storeError("get schedule settings", err)
	}

	scheduled := job.ScheduledTime
	settings.HasSchedule = true
	settings.ScheduledTime = &scheduled
	settings.Frequency = job.Frequency
	settings.RecurrencePattern = job.RecurrencePattern
	settings.EndDate = job.EndDate
	settings.IsActive = job.IsActive
	settings.Revision = job.Revision
	settings.LastRunAt = job.LastRunAt
	return settings, nil
}

// ScheduleSettingsUpdate replaces the schedule of a content item. An inactive
// update cancels it.
type ScheduleSettingsUpdate struct {
	ScheduledTime     time.Time        `json:"scheduled_time"`
	Frequency         models.Frequency `json:"frequency"`
	RecurrencePattern string           `json:"recurrence_pattern,omitempty"`
	EndDate           *time.Time       `json:"end_date,omitempty"`
	IsActive          bool             `json:"is_active"`
}

func (m *ScheduleManager) UpdateScheduleSettings(ctx context.Context, contentID string, update ScheduleSettingsUpdate) (*ScheduleSettings, error) {
	if update.Frequency == "" {
		update.Frequency = models.FrequencyOnce
	}

	if update.IsActive {
		_, err := m.Schedule(ctx, ScheduleRequest{
			ContentID:         contentID,
			DueTime:           update.ScheduledTime,
			Frequency:         update.Frequency,
			RecurrencePattern: update.RecurrencePattern,
			EndDate:           update.EndDate,
		})
		if err != nil {
			return nil, err
		}
	} else {
		if _, err := m.store.GetContent(ctx, contentID); err != nil {
			return nil, storeError("update schedule settings", err)
		}
		if err := m.Cancel(ctx, contentID); err != nil {
			return nil, err
		}
	}

	return m.GetScheduleSettings(ctx, contentID)
}

// CalendarEvent is one occurrence shown on a calendar.
type CalendarEvent struct {
	ContentID string           `json:"id"`
	Title     string           `json:"title"`
	Location  string           `json:"location"`
	Status    models.Status    `json:"status"`
	Frequency models.Frequency `json:"frequency"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
}

// Calendar expands every active job into its occurrences within [from, to].
// The range may span at most 90 days.
func (m *ScheduleManager) Calendar(ctx context.Context, from, to time.Time) ([]CalendarEvent, error) {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end is before start", ErrInvalidRange)
	}
	if to.Sub(from) > maxCalendarRange {
		return nil, fmt.Errorf("%w: range exceeds 90 days", ErrInvalidRange)
	}

	jobs, err := m.store.ListDue(ctx, to)
	if err != nil {
		return nil, storeError("calendar", err)
	}

	var events []CalendarEvent
	for i := range jobs {
		job := &jobs[i]
		times := occurrencesBetween(job, from, to, maxEventsPerJob)
		if len(times) == 0 {
			continue
		}

		item, err := m.store.GetContent(ctx, job.ContentID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeError("calendar", err)
		}

		for _, t := range times {
			events = append(events, CalendarEvent{
				ContentID: job.ContentID,
				Title:     item.Title,
				Location:  item.Location,
				Status:    item.Status,
				Frequency: job.Frequency,
				Start:     t,
				End:       t.Add(calendarEventLength),
			})
		}
	}

	sortEvents(events)
	return events, nil
}

// History returns the audit log of a content item, newest first.
func (m *ScheduleManager) History(ctx context.Context, contentID string) ([]models.AuditLogEntry, error) {
	if _, err := m.store.GetContent(ctx, contentID); err != nil {
		return nil, storeError("history", err)
	}
	entries, err := m.store.ListAudit(ctx, contentID)
	if err != nil {
		return nil, storeError("history", err)
	}
	return entries, nil
}

func sortEvents(events []CalendarEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ContentID < events[j].ContentID
	})
}
