package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/postflow/internal/models"
	"github.com/ifuryst/postflow/internal/service/publisher"
)

func TestExecute_OnceSuccess(t *testing.T) {
	h := newHarness(t, publisher.Result{Success: true, ExternalID: "X1"})
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)

	res, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	require.True(t, ran)
	assert.True(t, res.Success)

	item := h.content(t, "c1")
	assert.Equal(t, models.StatusPublished, item.Status)
	assert.Equal(t, "X1", item.ExternalPostID)
	require.NotNil(t, item.PublishedAt)
	assert.True(t, item.PublishedAt.Equal(h.clock.Now()))
	assert.Nil(t, item.ScheduledFor)

	job := h.job(t, "c1")
	assert.False(t, job.IsActive)
	require.NotNil(t, job.LastRunAt)

	entries := h.entries("c1", models.ActionPublish)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeSuccess, entries[0].Outcome)
	assert.Nil(t, entries[0].ErrorDetail)
	assert.NotEmpty(t, entries[0].AttemptID)

	stories := h.entries("c1", models.ActionPublishStory)
	require.Len(t, stories, 1)
	assert.Equal(t, entries[0].AttemptID, stories[0].AttemptID)

	assert.Equal(t, []string{"media/generated/c1.png"}, h.pub.calls)
	assert.Contains(t, h.pub.captions[0], "Backend Engineer")
	assert.Contains(t, h.pub.captions[0], "#Hiring")
}

func TestExecute_DailyAdvancesOneDay(t *testing.T) {
	h := newHarness(t)
	occ := h.schedule(t, "c1", t0, models.FrequencyDaily)

	_, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	require.True(t, ran)

	job := h.job(t, "c1")
	assert.True(t, job.IsActive)
	assert.True(t, job.ScheduledTime.Equal(t0.AddDate(0, 0, 1)))
	assert.Equal(t, occ.Revision, job.Revision, "advancing is not a reschedule")

	item := h.content(t, "c1")
	assert.Equal(t, models.StatusScheduled, item.Status)
	require.NotNil(t, item.ScheduledFor)
	assert.True(t, item.ScheduledFor.Equal(t0.AddDate(0, 0, 1)))
	assert.Equal(t, "X1", item.ExternalPostID)
	assert.NotNil(t, item.PublishedAt)
}

func TestExecute_OnceFailureDeactivates(t *testing.T) {
	h := newHarness(t, failed("HTTP 500"))
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)

	res, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	require.True(t, ran)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrPublishFailed)

	assert.Equal(t, models.StatusFailed, h.content(t, "c1").Status)
	assert.False(t, h.job(t, "c1").IsActive)

	entries := h.entries("c1", models.ActionPublish)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeError, entries[0].Outcome)
	require.NotNil(t, entries[0].ErrorDetail)
	assert.Equal(t, "HTTP 500", *entries[0].ErrorDetail)
	assert.Empty(t, h.entries("c1", models.ActionPublishStory), "no story after a failed publish")
}

func TestExecute_WeeklyFailureAdvances(t *testing.T) {
	h := newHarness(t, failed("timeout"))
	occ := h.schedule(t, "c1", t0, models.FrequencyWeekly)

	_, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	require.True(t, ran)

	job := h.job(t, "c1")
	assert.True(t, job.IsActive)
	assert.True(t, job.ScheduledTime.Equal(t0.AddDate(0, 0, 7)))

	var errorsLogged int
	for _, e := range h.store.AuditEntries() {
		if e.Outcome == models.OutcomeError {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)
	assert.Equal(t, models.StatusScheduled, h.content(t, "c1").Status)
}

func TestExecute_AuthExhaustedIsPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.pub.authOK = false
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)

	res, _, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrAuthExhausted)
	assert.Equal(t, 0, h.pub.publishCount())
	assert.Equal(t, models.StatusFailed, h.content(t, "c1").Status)
	assert.False(t, h.job(t, "c1").IsActive)
}

func TestExecute_RendersMissingArtifact(t *testing.T) {
	h := newHarness(t)
	occ := h.schedule(t, "c2", t0, models.FrequencyOnce)

	_, _, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)

	assert.Equal(t, 1, h.renderer.calls)
	item := h.content(t, "c2")
	assert.Equal(t, "media/generated/c2.png", item.ArtifactRef)
	assert.Equal(t, models.StatusPublished, item.Status)
}

func TestExecute_RenderFailureKeepsOnceJob(t *testing.T) {
	h := newHarness(t)
	h.renderer.err = errBoom
	occ := h.schedule(t, "c2", t0, models.FrequencyOnce)

	res, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	require.True(t, ran)
	assert.ErrorIs(t, res.Err, ErrRenderingFailed)
	assert.Equal(t, 0, h.pub.publishCount())

	job := h.job(t, "c2")
	assert.True(t, job.IsActive)
	retryAt := h.clock.Now().Add(5 * time.Minute)
	assert.True(t, job.ScheduledTime.Equal(retryAt))

	item := h.content(t, "c2")
	assert.Equal(t, models.StatusScheduled, item.Status)
	require.NotNil(t, item.ScheduledFor)
	assert.True(t, item.ScheduledFor.Equal(retryAt))

	entries := h.entries("c2", models.ActionPublish)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeError, entries[0].Outcome)
	assert.Contains(t, *entries[0].ErrorDetail, "boom")
}

func TestExecute_RenderFailureAdvancesRecurringJob(t *testing.T) {
	h := newHarness(t)
	h.renderer.err = errBoom
	occ := h.schedule(t, "c2", t0, models.FrequencyMonthly)

	_, _, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)

	job := h.job(t, "c2")
	assert.True(t, job.IsActive)
	assert.True(t, job.ScheduledTime.Equal(t0.AddDate(0, 1, 0)))
	assert.Equal(t, models.StatusScheduled, h.content(t, "c2").Status)
}

func TestExecute_StoryFailureKeepsPublish(t *testing.T) {
	h := newHarness(t)
	h.pub.story = failed("story rejected")
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)

	res, _, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.StatusPublished, h.content(t, "c1").Status)

	stories := h.entries("c1", models.ActionPublishStory)
	require.Len(t, stories, 1)
	assert.Equal(t, models.OutcomeError, stories[0].Outcome)
}

func TestExecute_EndDateStopsRecurrence(t *testing.T) {
	h := newHarness(t)
	end := t0.Add(12 * time.Hour)
	job, err := h.manager.Schedule(context.Background(), ScheduleRequest{ContentID: "c1", DueTime: t0, Frequency: models.FrequencyDaily, EndDate: &end})
	require.NoError(t, err)

	_, _, err = h.manager.ExecuteOccurrence(context.Background(), occurrenceOf(job))
	require.NoError(t, err)

	assert.False(t, h.job(t, "c1").IsActive)
	item := h.content(t, "c1")
	assert.Equal(t, models.StatusPublished, item.Status)
	assert.Nil(t, item.ScheduledFor)
}

func TestExecute_CoalescesMissedOccurrences(t *testing.T) {
	h := newHarness(t)
	h.manager.cfg.CoalesceMissed = true
	occ := h.schedule(t, "c1", t0, models.FrequencyDaily)
	h.clock.Set(t0.AddDate(0, 0, 3).Add(time.Hour))

	_, _, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	assert.True(t, h.job(t, "c1").ScheduledTime.Equal(t0.AddDate(0, 0, 4)))
}

func TestExecuteOccurrence_SkipsSuperseded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := h.schedule(t, "c1", t0, models.FrequencyOnce)
	h.schedule(t, "c1", t0, models.FrequencyOnce)

	_, ran, err := h.manager.ExecuteOccurrence(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, h.pub.publishCount())
	assert.Empty(t, h.entries("c1", models.ActionPublish))
}

func TestExecuteOccurrence_RunsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	occ := h.schedule(t, "c1", t0, models.FrequencyDaily)

	_, ran, err := h.manager.ExecuteOccurrence(ctx, occ)
	require.NoError(t, err)
	require.True(t, ran)

	_, ran, err = h.manager.ExecuteOccurrence(ctx, occ)
	require.NoError(t, err)
	assert.False(t, ran, "the occurrence was advanced")
	assert.Equal(t, 1, h.pub.publishCount())
}

func TestExecuteOccurrence_NotYetDue(t *testing.T) {
	h := newHarness(t)
	occ := h.schedule(t, "c1", t0.Add(time.Hour), models.FrequencyOnce)

	_, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestExecute_Manual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.Execute(ctx, "c1")
	assert.ErrorIs(t, err, ErrNoActiveJob)

	h.schedule(t, "c1", t0.Add(time.Hour), models.FrequencyOnce)
	res, err := h.manager.Execute(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, h.job(t, "c1").IsActive)
}

func TestExecute_MissingContentDeactivatesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orphan := &models.ScheduleJob{ContentID: "gone", ScheduledTime: t0, Frequency: models.FrequencyDaily, IsActive: true}
	require.NoError(t, h.store.UpsertJob(ctx, orphan))

	res, ran, err := h.manager.ExecuteOccurrence(ctx, occurrenceOf(orphan))
	assert.True(t, ran)
	assert.ErrorIs(t, err, ErrContentNotFound)
	assert.False(t, res.Success)
	assert.Equal(t, 0, h.pub.publishCount())
	assert.False(t, h.job(t, "gone").IsActive)

	entries := h.entries("gone", models.ActionPublish)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeError, entries[0].Outcome)
}

func TestExecute_StoreFailure(t *testing.T) {
	h := newHarness(t)
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)
	h.store.SetFailure(errBoom)

	_, ran, err := h.manager.ExecuteOccurrence(context.Background(), occ)
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, h.pub.publishCount())
}

func TestPublishNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.manager.PublishNow(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	item := h.content(t, "c1")
	assert.Equal(t, models.StatusPublished, item.Status)
	assert.Equal(t, "X1", item.ExternalPostID)

	occ := h.schedule(t, "c1", t0.Add(time.Hour), models.FrequencyWeekly)
	_, err = h.manager.PublishNow(ctx, "c1")
	require.NoError(t, err)

	job := h.job(t, "c1")
	assert.True(t, job.IsActive, "job is untouched")
	assert.True(t, job.ScheduledTime.Equal(occ.ScheduledTime))
	assert.Equal(t, occ.Revision, job.Revision)
	assert.Equal(t, models.StatusScheduled, h.content(t, "c1").Status)
	assert.Len(t, h.entries("c1", models.ActionPublish), 2)

	_, err = h.manager.PublishNow(ctx, "nope")
	assert.ErrorIs(t, err, ErrContentNotFound)
}

func TestCancelWaitsForRunningExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	occ := h.schedule(t, "c1", t0, models.FrequencyWeekly)
	h.pub.started = make(chan struct{})
	h.pub.release = make(chan struct{})

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		_, _, _ = h.manager.ExecuteOccurrence(ctx, occ)
	}()
	<-h.pub.started

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- h.manager.Cancel(ctx, "c1") }()

	select {
	case <-cancelDone:
		t.Fatal("cancel returned while the publish was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.pub.release)
	<-execDone
	require.NoError(t, <-cancelDone)

	assert.False(t, h.job(t, "c1").IsActive)
	item := h.content(t, "c1")
	assert.Equal(t, models.StatusDraft, item.Status)
	assert.Equal(t, "X1", item.ExternalPostID)
	assert.Len(t, h.entries("c1", models.ActionPublish), 1)
}

func TestCancelBeforeExecutionSkipsOccurrence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)
	require.NoError(t, h.manager.Cancel(ctx, "c1"))

	_, ran, err := h.manager.ExecuteOccurrence(ctx, occ)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 0, h.pub.publishCount())
	assert.Equal(t, models.StatusDraft, h.content(t, "c1").Status)
}

func TestExecute_PanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	h.pub.panicMsg = "nil pointer"
	occ := h.schedule(t, "c1", t0, models.FrequencyOnce)

	var (
		res publisher.Result
		ran bool
		err error
	)
	require.NotPanics(t, func() { res, ran, err = h.manager.ExecuteOccurrence(context.Background(), occ) })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.ErrorIs(t, res.Err, ErrPublishFailed)

	assert.False(t, h.job(t, "c1").IsActive)
	assert.Equal(t, models.StatusFailed, h.content(t, "c1").Status)

	entries := h.entries("c1", models.ActionPublish)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeError, entries[0].Outcome)
	assert.Contains(t, *entries[0].ErrorDetail, "nil pointer")
}
