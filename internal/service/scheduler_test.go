package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/config"
	"github.com/ifuryst/postflow/internal/models"
	"github.com/ifuryst/postflow/internal/service/publisher"
)

type fakeExecutor struct {
	mu       sync.Mutex
	due      []Occurrence
	err      error
	lists    int
	executed []string
	block    chan struct{}
}

func (f *fakeExecutor) DueOccurrences(context.Context, time.Time) ([]Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Occurrence(nil), f.due...), nil
}

func (f *fakeExecutor) ExecuteOccurrence(_ context.Context, occ Occurrence) (publisher.Result, bool, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, occ.ContentID)
	return publisher.Result{Success: true, ExternalID: "X-" + occ.ContentID}, true, nil
}

func (f *fakeExecutor) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func testScheduler(exec executor, workers int) *Scheduler {
	cfg := &config.SchedulerConfig{Workers: workers, TickInterval: "10ms"}
	return newScheduler(cfg, zap.NewNop(), exec)
}

func dueOcc(id string) Occurrence {
	return Occurrence{ContentID: id, Revision: 1, ScheduledTime: t0}
}

func TestSchedulerTick_SkipsRunningContent(t *testing.T) {
	exec := &fakeExecutor{due: []Occurrence{dueOcc("a"), dueOcc("b")}, block: make(chan struct{})}
	s := testScheduler(exec, 4)
	ctx := context.Background()

	assert.Equal(t, 2, s.tick(ctx))
	assert.Equal(t, 0, s.tick(ctx), "both are still running")

	close(exec.block)
	s.wg.Wait()
	assert.ElementsMatch(t, []string{"a", "b"}, exec.executedIDs())
	assert.Empty(t, s.inflight)

	assert.Equal(t, 2, s.tick(ctx))
	s.wg.Wait()
}

func TestSchedulerTick_FullPoolLeavesRestDue(t *testing.T) {
	exec := &fakeExecutor{due: []Occurrence{dueOcc("a"), dueOcc("b"), dueOcc("c")}, block: make(chan struct{})}
	s := testScheduler(exec, 1)
	ctx := context.Background()

	assert.Equal(t, 1, s.tick(ctx))
	assert.Equal(t, 0, s.tick(ctx))
	assert.Len(t, s.inflight, 1)

	close(exec.block)
	s.wg.Wait()
	assert.Equal(t, []string{"a"}, exec.executedIDs())
}

func TestSchedulerTick_BacksOffOnStoreErrors(t *testing.T) {
	exec := &fakeExecutor{err: errBoom}
	s := testScheduler(exec, 1)
	ctx := context.Background()
	now := t0
	s.now = func() time.Time { return now }

	assert.Equal(t, 0, s.tick(ctx))
	assert.Equal(t, 1, exec.listCount())
	assert.Equal(t, time.Second, s.backoff)

	assert.Equal(t, 0, s.tick(ctx))
	assert.Equal(t, 1, exec.listCount(), "held back")

	now = now.Add(time.Second)
	s.tick(ctx)
	assert.Equal(t, 2, exec.listCount())
	assert.Equal(t, 2*time.Second, s.backoff)

	for i := 0; i < 10; i++ {
		now = now.Add(time.Hour)
		s.tick(ctx)
	}
	assert.Equal(t, time.Minute, s.backoff, "capped")

	exec.mu.Lock()
	exec.err = nil
	exec.due = []Occurrence{dueOcc("a")}
	exec.mu.Unlock()
	now = now.Add(time.Hour)
	assert.Equal(t, 1, s.tick(ctx))
	assert.Zero(t, s.backoff)
	s.wg.Wait()
}

func TestScheduler_Disabled(t *testing.T) {
	off := false
	exec := &fakeExecutor{}
	s := newScheduler(&config.SchedulerConfig{Enabled: &off}, zap.NewNop(), exec)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Zero(t, exec.listCount())
}

func TestScheduler_PublishesDueContent(t *testing.T) {
	h := newHarness(t)
	h.schedule(t, "c1", h.clock.Now(), models.FrequencyOnce)

	s := newScheduler(&config.SchedulerConfig{TickInterval: "10ms"}, zap.NewNop(), h.manager)
	s.now = h.clock.Now
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")

	require.Eventually(t, func() bool {
		item, err := h.store.GetContent(context.Background(), "c1")
		return err == nil && item.Status == models.StatusPublished
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()

	item := h.content(t, "c1")
	assert.Equal(t, "X1", item.ExternalPostID)
	assert.False(t, h.job(t, "c1").IsActive)

	entries := h.entries("c1", models.ActionPublish)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, 1, h.pub.publishCount())
}

func TestScheduler_ConcurrentStartStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		exec := &fakeExecutor{}
		s := testScheduler(exec, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Stop()
		}()
		wg.Wait()
		s.Stop()
	}
}

func TestScheduler_StartAfterStopIsNoop(t *testing.T) {
	exec := &fakeExecutor{}
	s := testScheduler(exec, 1)

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	assert.Zero(t, exec.listCount())
}
