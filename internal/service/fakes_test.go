package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/models"
	"github.com/ifuryst/postflow/internal/repository"
	"github.com/ifuryst/postflow/internal/service/publisher"
)

type fakePublisher struct {
	mu       sync.Mutex
	authOK   bool
	results  []publisher.Result
	story    publisher.Result
	calls    []string
	captions []string
	stories  int
	panicMsg string
	// started and release, when set, block Publish until release is closed.
	started chan struct{}
	release chan struct{}
}

func newFakePublisher(results ...publisher.Result) *fakePublisher {
	return &fakePublisher{
		authOK:  true,
		results: results,
		story:   publisher.Result{Success: true, ExternalID: "S1"},
	}
}

func (f *fakePublisher) EnsureAuthenticated(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authOK
}

func (f *fakePublisher) Publish(_ context.Context, artifactPath, caption string) publisher.Result {
	f.mu.Lock()
	f.calls = append(f.calls, artifactPath)
	f.captions = append(f.captions, caption)
	started, release, panicMsg := f.started, f.release, f.panicMsg
	var res publisher.Result
	if len(f.results) > 0 {
		res = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	} else {
		res = publisher.Result{Success: true, ExternalID: "X1"}
	}
	f.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if started != nil {
		close(started)
		<-release
	}
	return res
}

func (f *fakePublisher) PublishStory(context.Context, string) publisher.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stories++
	return f.story
}

func (f *fakePublisher) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRenderer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeRenderer) Render(_ context.Context, item *models.ContentItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "media/generated/" + item.ID + ".png", nil
}

var errBoom = errors.New("boom")

func failed(detail string) publisher.Result {
	return publisher.Failure(publisher.ErrPublishFailed, detail)
}

type harness struct {
	store    *repository.MemoryStore
	pub      *fakePublisher
	renderer *fakeRenderer
	manager  *ScheduleManager
	clock    *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, results ...publisher.Result) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemoryStore(),
		pub:      newFakePublisher(results...),
		renderer: &fakeRenderer{},
		clock:    &clock{now: t0.Add(time.Minute)},
	}
	h.manager = NewScheduleManager(h.store, h.pub, h.renderer, ManagerConfig{
		RenderRetryDelay: 5 * time.Minute,
		StoryEnabled:     true,
		Captions:         publisher.CaptionBuilder{Hashtags: []string{"#Hiring"}},
	}, zap.NewNop())
	h.manager.now = h.clock.Now

	h.store.PutContent(models.ContentItem{ID: "c1", Title: "Backend Engineer", Location: "Remote", ArtifactRef: "media/generated/c1.png"})
	h.store.PutContent(models.ContentItem{ID: "c2", Title: "Designer"})
	return h
}

func (h *harness) content(t *testing.T, id string) *models.ContentItem {
	t.Helper()
	item, err := h.store.GetContent(context.Background(), id)
	require.NoError(t, err)
	return item
}

func (h *harness) job(t *testing.T, id string) *models.ScheduleJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// entries returns the audit entries of id for action, oldest first.
func (h *harness) entries(id string, action models.Action) []models.AuditLogEntry {
	var out []models.AuditLogEntry
	for _, e := range h.store.AuditEntries() {
		if e.ContentID == id && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) schedule(t *testing.T, id string, due time.Time, freq models.Frequency) Occurrence {
	t.Helper()
	job, err := h.manager.Schedule(context.Background(), ScheduleRequest{ContentID: id, DueTime: due, Frequency: freq})
	require.NoError(t, err)
	return occurrenceOf(job)
}
