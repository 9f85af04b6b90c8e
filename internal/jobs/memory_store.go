package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jo-hoe/podqueue/internal/util"
)

// MemoryStore keeps jobs in process memory. It is meant for tests and
// single-process demos; nothing survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*memEntry
	active map[string]string // source key -> id of the non-failed job
	seq    int64
	now    func() time.Time
}

type memEntry struct {
	job *Job
	seq int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*memEntry),
		active: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Insert(_ context.Context, sourceKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[sourceKey]; ok {
		return nil, ErrConflict
	}
	s.seq++
	job := &Job{
		ID:        util.NewID(),
		SourceKey: sourceKey,
		State:     StateQueued,
		CreatedAt: s.now(),
	}
	s.jobs[job.ID] = &memEntry{job: job, seq: s.seq}
	s.active[sourceKey] = job.ID
	return job.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

func (s *MemoryStore) GetBySourceKey(_ context.Context, sourceKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *memEntry
	for _, e := range s.jobs {
		if e.job.SourceKey != sourceKey {
			continue
		}
		if best == nil || newer(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.job.Clone(), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return []*Job{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sorted()
	out := make([]*Job, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i].job.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sorted() {
		if e.job.State != StateQueued {
			continue
		}
		next, err := Apply(e.job, ClaimPatch(s.now()))
		if err != nil {
			return nil, err
		}
		e.job = next
		return next.Clone(), nil
	}
	return nil, ErrNoneAvailable
}

func (s *MemoryStore) Update(_ context.Context, id string, p Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := Apply(e.job, p)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	e.job = next
	if next.State == StateFailed && s.active[next.SourceKey] == id {
		delete(s.active, next.SourceKey)
	}
	return next.Clone(), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// sorted returns entries oldest first. Callers must hold s.mu.
func (s *MemoryStore) sorted() []*memEntry {
	entries := make([]*memEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return newer(entries[j], entries[i]) })
	return entries
}

func newer(a, b *memEntry) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.After(b.job.CreatedAt)
	}
	return a.seq > b.seq
}
