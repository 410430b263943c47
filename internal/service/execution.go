package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/models"
	"github.com/ifuryst/postflow/internal/repository"
	"github.com/ifuryst/postflow/internal/service/publisher"
)

// Execute runs the current occurrence of a content item's active job right
// away, whether or not it is due yet.
func (m *ScheduleManager) Execute(ctx context.Context, contentID string) (publisher.Result, error) {
	unlock, err := m.locks.Lock(ctx, contentID)
	if err != nil {
		return publisher.Result{}, err
	}
	defer unlock()

	job, err := m.store.GetJob(ctx, contentID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !job.IsActive) {
		return publisher.Failure(ErrNoActiveJob, "no active job"), fmt.Errorf("execute %s: %w", contentID, ErrNoActiveJob)
	}
	if err != nil {
		return publisher.Result{}, storeError("execute", err)
	}

	return m.run(ctx, job)
}

// ExecuteOccurrence runs occ if it is still the current, due occurrence of
// its job. ran is false when the job was cancelled, replaced or already
// advanced since occ was read; nothing is written then.
func (m *ScheduleManager) ExecuteOccurrence(ctx context.Context, occ Occurrence) (res publisher.Result, ran bool, err error) {
	unlock, err := m.locks.Lock(ctx, occ.ContentID)
	if err != nil {
		return publisher.Result{}, false, err
	}
	defer unlock()

	job, err := m.store.GetJob(ctx, occ.ContentID)
	if errors.Is(err, repository.ErrNotFound) {
		return publisher.Result{}, false, nil
	}
	if err != nil {
		return publisher.Result{}, false, storeError("execute occurrence", err)
	}
	if !job.IsActive || job.Revision != occ.Revision || !job.ScheduledTime.Equal(occ.ScheduledTime) {
		m.logger.Debug("Skipping superseded occurrence",
			zap.String("content_id", occ.ContentID),
			zap.Uint64("revision", occ.Revision),
			zap.Time("scheduled_time", occ.ScheduledTime))
		return publisher.Result{}, false, nil
	}
	if job.ScheduledTime.After(m.now()) {
		return publisher.Result{}, false, nil
	}

	res, err = m.run(ctx, job)
	return res, true, err
}

// PublishNow publishes a content item immediately without touching its job.
func (m *ScheduleManager) PublishNow(ctx context.Context, contentID string) (publisher.Result, error) {
	unlock, err := m.locks.Lock(ctx, contentID)
	if err != nil {
		return publisher.Result{}, err
	}
	defer unlock()

	item, err := m.store.GetContent(ctx, contentID)
	if err != nil {
		return publisher.Result{}, storeError("publish now", err)
	}
	job, err := m.store.GetJob(ctx, contentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return publisher.Result{}, storeError("publish now", err)
	}
	armed := err == nil && job.IsActive

	attemptID := uuid.NewString()
	artifact, err := m.ensureArtifact(ctx, item)
	if err != nil {
		res := publisher.Failure(ErrRenderingFailed, err.Error())
		return res, m.record(ctx, m.newEntry(contentID, models.ActionPublish, attemptID, res), nil)
	}

	res := m.publish(ctx, item, artifact)
	now := m.now()
	err = m.record(ctx, m.newEntry(contentID, models.ActionPublish, attemptID, res), func(tx repository.Store) error {
		// An armed job keeps the item scheduled.
		switch {
		case res.Success && armed:
			return tx.UpdateStatus(ctx, contentID, models.StatusScheduled, repository.WithPublished(now, res.ExternalID))
		case res.Success:
			return tx.UpdateStatus(ctx, contentID, models.StatusPublished, repository.WithPublished(now, res.ExternalID), repository.ClearScheduledFor())
		case !armed:
			return tx.UpdateStatus(ctx, contentID, models.StatusFailed, repository.ClearScheduledFor())
		}
		return nil
	})
	if res.Success {
		m.publishStory(ctx, contentID, artifact, attemptID)
	}
	return res, err
}

func (m *ScheduleManager) run(ctx context.Context, job *models.ScheduleJob) (res publisher.Result, err error) {
	attemptID := uuid.NewString()
	log := m.logger.With(
		zap.String("content_id", job.ContentID),
		zap.String("attempt_id", attemptID),
		zap.String("frequency", string(job.Frequency)),
		zap.Time("scheduled_time", job.ScheduledTime))

	// A panic is recorded as a failed publish unless the outcome was already
	// written.
	recorded := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("Execution panicked", zap.Any("panic", r), zap.Bool("recorded", recorded))
		if recorded {
			return
		}
		res = publisher.Failure(ErrPublishFailed, fmt.Sprintf("execution panicked: %v", r))
		err = m.recordPublish(ctx, job, attemptID, res)
	}()

	item, err := m.store.GetContent(ctx, job.ContentID)
	if errors.Is(err, repository.ErrNotFound) {
		// The content is gone, so the job can never succeed.
		res := publisher.Failure(ErrContentNotFound, "content no longer exists")
		updated := *job
		updated.IsActive = false
		log.Warn("Deactivating job of missing content")
		err := m.record(ctx, m.newEntry(job.ContentID, models.ActionPublish, attemptID, res), func(tx repository.Store) error {
			return tx.SaveJob(ctx, &updated)
		})
		recorded = true
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("execute %s: %w", job.ContentID, ErrContentNotFound)
	}
	if err != nil {
		res := publisher.Failure(ErrStoreUnavailable, err.Error())
		m.appendAuditOnly(ctx, m.newEntry(job.ContentID, models.ActionPublish, attemptID, res))
		recorded = true
		return res, storeError("execute", err)
	}

	artifact, err := m.ensureArtifact(ctx, item)
	if err != nil {
		log.Warn("Rendering failed", zap.Error(err))
		res, err = m.recordRenderFailure(ctx, job, attemptID, err)
		recorded = true
		return res, err
	}

	res = m.publish(ctx, item, artifact)
	if res.Success {
		log.Info("Published content", zap.String("external_id", res.ExternalID), zap.Duration("duration", res.Duration))
	} else {
		log.Warn("Publish failed", zap.String("error_detail", res.ErrorDetail))
	}

	err = m.recordPublish(ctx, job, attemptID, res)
	recorded = true
	if res.Success {
		m.publishStory(ctx, job.ContentID, artifact, attemptID)
	}
	return res, err
}

func (m *ScheduleManager) ensureArtifact(ctx context.Context, item *models.ContentItem) (string, error) {
	if item.HasArtifact() {
		return item.ArtifactRef, nil
	}
	if m.renderer == nil {
		return "", fmt.Errorf("%w: no renderer configured", ErrRenderingFailed)
	}

	ref, err := m.renderer.Render(ctx, item)
	if err != nil {
		if !errors.Is(err, ErrRenderingFailed) {
			err = fmt.Errorf("%w: %v", ErrRenderingFailed, err)
		}
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("%w: renderer returned no artifact", ErrRenderingFailed)
	}

	if err := m.store.AttachArtifact(ctx, item.ID, ref); err != nil {
		// The artifact exists, so the attempt goes on. It is rendered again next time.
		m.logger.Warn("Failed to store artifact reference",
			zap.String("content_id", item.ID),
			zap.String("artifact_ref", ref),
			zap.Error(err))
	}
	item.ArtifactRef = ref
	return ref, nil
}

func (m *ScheduleManager) publish(ctx context.Context, item *models.ContentItem, artifact string) publisher.Result {
	if !m.publisher.EnsureAuthenticated(ctx) {
		return publisher.Failure(ErrAuthExhausted, "could not authenticate with the publish API")
	}
	return m.publisher.Publish(ctx, artifact, m.cfg.Captions.Build(item))
}

// publishStory is best effort. Its outcome is audited but never changes the
// content item.
func (m *ScheduleManager) publishStory(ctx context.Context, contentID, artifact, attemptID string) {
	if !m.cfg.StoryEnabled {
		return
	}
	res := m.publisher.PublishStory(ctx, artifact)
	if !res.Success {
		m.logger.Warn("Story publish failed",
			zap.String("content_id", contentID),
			zap.String("attempt_id", attemptID),
			zap.String("error_detail", res.ErrorDetail))
	}
	m.appendAuditOnly(ctx, m.newEntry(contentID, models.ActionPublishStory, attemptID, res))
}

// recordPublish writes the outcome of a publish attempt. One-shot jobs are
// consumed either way. Recurring jobs re-arm at their next occurrence, and
// the item goes back to scheduled once the outcome fields are written.
func (m *ScheduleManager) recordPublish(ctx context.Context, job *models.ScheduleJob, attemptID string, res publisher.Result) error {
	now := m.now()
	outcome := models.StatusFailed
	var fields []repository.StatusField
	if res.Success {
		outcome = models.StatusPublished
		fields = append(fields, repository.WithPublished(now, res.ExternalID))
	}

	updated := *job
	updated.LastRunAt = &now
	next, rearm := m.nextRun(job, now)

	return m.record(ctx, m.newEntry(job.ContentID, models.ActionPublish, attemptID, res), func(tx repository.Store) error {
		if rearm {
			updated.ScheduledTime = next
		} else {
			updated.IsActive = false
			fields = append(fields, repository.ClearScheduledFor())
		}
		if err := tx.SaveJob(ctx, &updated); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, job.ContentID, outcome, fields...); err != nil {
			return err
		}
		if rearm {
			return tx.UpdateStatus(ctx, job.ContentID, models.StatusScheduled, repository.WithScheduledFor(next))
		}
		return nil
	})
}

// recordRenderFailure keeps the job armed. A one-shot job retries after the
// render retry delay, a recurring job moves on to its next occurrence.
func (m *ScheduleManager) recordRenderFailure(ctx context.Context, job *models.ScheduleJob, attemptID string, cause error) (publisher.Result, error) {
	res := publisher.Failure(ErrRenderingFailed, cause.Error())
	now := m.now()

	updated := *job
	updated.LastRunAt = &now
	var next time.Time
	rearm := true
	if job.Frequency.Recurring() {
		next, rearm = m.nextRun(job, now)
	} else {
		next = now.Add(m.cfg.RenderRetryDelay)
	}

	err := m.record(ctx, m.newEntry(job.ContentID, models.ActionPublish, attemptID, res), func(tx repository.Store) error {
		if !rearm {
			updated.IsActive = false
			if err := tx.SaveJob(ctx, &updated); err != nil {
				return err
			}
			return tx.UpdateStatus(ctx, job.ContentID, models.StatusFailed, repository.ClearScheduledFor())
		}
		updated.ScheduledTime = next
		if err := tx.SaveJob(ctx, &updated); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, job.ContentID, models.StatusScheduled, repository.WithScheduledFor(next))
	})
	return res, err
}

// nextRun reports when a recurring job re-arms. It returns false for one-shot
// jobs and for recurrences that ended.
func (m *ScheduleManager) nextRun(job *models.ScheduleJob, now time.Time) (time.Time, bool) {
	if !job.Frequency.Recurring() {
		return time.Time{}, false
	}
	next, ok, err := advance(job, now, m.cfg.CoalesceMissed)
	if err != nil {
		m.logger.Error("Cannot compute next occurrence, deactivating job",
			zap.String("content_id", job.ContentID),
			zap.String("recurrence_pattern", job.RecurrencePattern),
			zap.Error(err))
		return time.Time{}, false
	}
	if !ok {
		m.logger.Info("Recurrence ended", zap.String("content_id", job.ContentID))
	}
	return next, ok
}

// record appends entry and applies the state change in one transaction, the
// entry first. If the transaction fails the entry is still appended on its
// own so that no attempt goes unrecorded.
func (m *ScheduleManager) record(ctx context.Context, entry *models.AuditLogEntry, apply func(tx repository.Store) error) error {
	err := m.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		if apply == nil {
			return nil
		}
		return apply(tx)
	})
	if err == nil {
		return nil
	}

	m.logger.Error("Failed to record outcome",
		zap.String("content_id", entry.ContentID),
		zap.String("attempt_id", entry.AttemptID),
		zap.Error(err))
	entry.ID = 0
	m.appendAuditOnly(ctx, entry)
	return storeError("record outcome", err)
}

func (m *ScheduleManager) appendAuditOnly(ctx context.Context, entry *models.AuditLogEntry) {
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.logger.Error("Failed to write audit entry",
			zap.String("content_id", entry.ContentID),
			zap.String("action", string(entry.Action)),
			zap.String("attempt_id", entry.AttemptID),
			zap.Error(err))
	}
}

func (m *ScheduleManager) newEntry(contentID string, action models.Action, attemptID string, res publisher.Result) *models.AuditLogEntry {
	entry := &models.AuditLogEntry{
		ContentID: contentID,
		Action:    action,
		Outcome:   models.OutcomeSuccess,
		AttemptID: attemptID,
		Timestamp: m.now(),
	}
	if !res.Success {
		detail := res.ErrorDetail
		if detail == "" && res.Err != nil {
			detail = res.Err.Error()
		}
		entry.Outcome = models.OutcomeError
		entry.ErrorDetail = &detail
	}
	return entry
}
