package syncjob

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process; used when Redis is not configured.
// Entries expire after the same TTL the Redis store applies.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

type memoryEntry struct {
	job     Job
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]memoryEntry), ttl: defaultTTL, now: time.Now}
}

// Save stores the job and prunes expired entries.
func (m *MemoryStore) Save(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, entry := range m.jobs {
		if !now.Before(entry.expires) {
			delete(m.jobs, id)
		}
	}
	m.jobs[job.ID] = memoryEntry{job: job, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	if !ok || !m.now().Before(entry.expires) {
		return Job{}, ErrNotFound
	}
	return entry.job, nil
}

func (m *MemoryStore) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
