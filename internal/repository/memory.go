package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ifuryst/postflow/internal/models"
)

// MemoryStore is an in-process Store. It is fully functional but not durable;
// it backs the "memory" database type and the tests.
type MemoryStore struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

type memState struct {
	contents map[string]models.ContentItem
	jobs     map[string]models.ScheduleJob
	audit    []models.AuditLogEntry
	nextID   uint
	failure  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		st: &memState{
			contents: make(map[string]models.ContentItem),
			jobs:     make(map[string]models.ScheduleJob),
		},
	}
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// SetFailure makes every operation return err until cleared with nil.
func (m *MemoryStore) SetFailure(err error) {
	defer m.lock()()
	m.st.failure = err
}

// PutContent inserts or replaces a whole item, status included.
func (m *MemoryStore) PutContent(item models.ContentItem) {
	defer m.lock()()
	if item.Status == "" {
		item.Status = models.StatusDraft
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.st.contents[item.ID] = *cloneContent(item)
}

// AuditEntries returns a copy of the whole audit log in insertion order.
func (m *MemoryStore) AuditEntries() []models.AuditLogEntry {
	defer m.lock()()
	out := make([]models.AuditLogEntry, len(m.st.audit))
	copy(out, m.st.audit)
	return out
}

func (m *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.failure != nil {
		return m.st.failure
	}

	staged := m.st.clone()
	if err := fn(&MemoryStore{mu: m.mu, st: staged, inTx: true}); err != nil {
		return err
	}
	*m.st = *staged
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, contentID string) (*models.ScheduleJob, error) {
	defer m.lock()()
	if m.st.failure != nil {
		return nil, m.st.failure
	}
	job, ok := m.st.jobs[contentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) UpsertJob(_ context.Context, job *models.ScheduleJob) error {
	defer m.lock()()
	if m.st.failure != nil {
		return m.st.failure
	}
	now := time.Now().UTC()
	stored := *cloneJob(*job)
	if existing, ok := m.st.jobs[job.ContentID]; ok {
		stored.Revision = existing.Revision + 1
		stored.CreatedAt = existing.CreatedAt
		stored.LastRunAt = existing.LastRunAt
	} else {
		stored.Revision = 1
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.st.jobs[job.ContentID] = stored
	*job = *cloneJob(stored)
	return nil
}

func (m *MemoryStore) SaveJob(_ context.Context, job *models.ScheduleJob) error {
	defer m.lock()()
	if m.st.failure != nil {
		return m.st.failure
	}
	existing, ok := m.st.jobs[job.ContentID]
	if !ok {
		return ErrNotFound
	}
	stored := *cloneJob(*job)
	stored.Revision = existing.Revision
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	m.st.jobs[job.ContentID] = stored
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, until time.Time) ([]models.ScheduleJob, error) {
	defer m.lock()()
	if m.st.failure != nil {
		return nil, m.st.failure
	}
	var jobs []models.ScheduleJob
	for _, job := range m.st.jobs {
		if job.IsActive && !job.ScheduledTime.After(until) {
			jobs = append(jobs, *cloneJob(job))
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *MemoryStore) ListActiveBetween(_ context.Context, from, to time.Time) ([]models.ScheduleJob, error) {
	defer m.lock()()
	if m.st.failure != nil {
		return nil, m.st.failure
	}
	var jobs []models.ScheduleJob
	for _, job := range m.st.jobs {
		if job.IsActive && !job.ScheduledTime.Before(from) && !job.ScheduledTime.After(to) {
			jobs = append(jobs, *cloneJob(job))
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *MemoryStore) GetContent(_ context.Context, id string) (*models.ContentItem, error) {
	defer m.lock()()
	if m.st.failure != nil {
		return nil, m.st.failure
	}
	item, ok := m.st.contents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneContent(item), nil
}

func (m *MemoryStore) SaveContent(_ context.Context, item *models.ContentItem) error {
	defer m.lock()()
	if m.st.failure != nil {
		return m.st.failure
	}
	now := time.Now().UTC()
	stored := *cloneContent(*item)
	if existing, ok := m.st.contents[item.ID]; ok {
		if renderedFieldsChanged(&existing, &stored) {
			existing.ArtifactRef = ""
		}
		existing.Title = stored.Title
		existing.Location = stored.Location
		existing.Email = stored.Email
		existing.Requirements = stored.Requirements
		existing.Hashtags = stored.Hashtags
		stored = existing
	} else {
		if stored.Status == "" {
			stored.Status = models.StatusDraft
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.st.contents[item.ID] = stored
	*item = *cloneContent(stored)
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status models.Status, fields ...StatusField) error {
	defer m.lock()()
	if m.st.failure != nil {
		return m.st.failure
	}
	item, ok := m.st.contents[id]
	if !ok {
		return ErrNotFound
	}
	buildUpdate(fields).apply(&item, status)
	item.UpdatedAt = time.Now().UTC()
	m.st.contents[id] = item
	return nil
}

func (m *MemoryStore) AttachArtifact(_ context.Context, id, artifactRef string) error {
	defer m.lock()()
	if m.st.failure != nil {
		return m.st.failure
	}
	item, ok := m.st.contents[id]
	if !ok {
		return ErrNotFound
	}
	item.ArtifactRef = artifactRef
	item.UpdatedAt = time.Now().UTC()
	m.st.contents[id] = item
	return nil
}

func (m *MemoryStore) ListByStatusBetween(_ context.Context, status models.Status, from, to time.Time) ([]models.ContentItem, error) {
	defer m.lock()()
	if m.st.failure != nil {
		return nil, m.st.failure
	}
	var items []models.ContentItem
	for _, item := range m.st.contents {
		if item.Status != status || item.ScheduledFor == nil {
			continue
		}
		if item.ScheduledFor.Before(from) || item.ScheduledFor.After(to) {
			continue
		}
		items = append(items, *cloneContent(item))
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ScheduledFor.Equal(*items[j].ScheduledFor) {
			return items[i].ScheduledFor.Before(*items[j].ScheduledFor)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry *models.AuditLogEntry) error {
	defer m.lock()()
	if m.st.failure != nil {
		return m.st.failure
	}
	m.st.nextID++
	entry.ID = m.st.nextID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.st.audit = append(m.st.audit, *entry)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, contentID string) ([]models.AuditLogEntry, error) {
	defer m.lock()()
	if m.st.failure != nil {
		return nil, m.st.failure
	}
	var entries []models.AuditLogEntry
	for i := len(m.st.audit) - 1; i >= 0; i-- {
		if m.st.audit[i].ContentID == contentID {
			entries = append(entries, m.st.audit[i])
		}
	}
	return entries, nil
}

func (s *memState) clone() *memState {
	out := &memState{
		contents: make(map[string]models.ContentItem, len(s.contents)),
		jobs:     make(map[string]models.ScheduleJob, len(s.jobs)),
		audit:    make([]models.AuditLogEntry, len(s.audit)),
		nextID:   s.nextID,
		failure:  s.failure,
	}
	for k, v := range s.contents {
		out.contents[k] = *cloneContent(v)
	}
	for k, v := range s.jobs {
		out.jobs[k] = *cloneJob(v)
	}
	copy(out.audit, s.audit)
	return out
}

func sortJobs(jobs []models.ScheduleJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledTime.Equal(jobs[j].ScheduledTime) {
			return jobs[i].ScheduledTime.Before(jobs[j].ScheduledTime)
		}
		return jobs[i].ContentID < jobs[j].ContentID
	})
}

func cloneJob(job models.ScheduleJob) *models.ScheduleJob {
	if job.EndDate != nil {
		t := *job.EndDate
		job.EndDate = &t
	}
	if job.LastRunAt != nil {
		t := *job.LastRunAt
		job.LastRunAt = &t
	}
	return &job
}

func cloneContent(item models.ContentItem) *models.ContentItem {
	if item.ScheduledFor != nil {
		t := *item.ScheduledFor
		item.ScheduledFor = &t
	}
	if item.PublishedAt != nil {
		t := *item.PublishedAt
		item.PublishedAt = &t
	}
	if item.Hashtags != nil {
		item.Hashtags = append(models.StringArray(nil), item.Hashtags...)
	}
	return &item
}
