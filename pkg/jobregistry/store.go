// Package jobregistry holds the records of video generation jobs.
//
// Records are process-lifetime state by default (MemoryStore). RedisStore
// shares records between service instances; worker process handles still stay
// with the instance that spawned them.
package jobregistry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the job record store.
//
// Implementations must be safe for concurrent use. Update serializes writers
// of one job id and never exposes partially applied changes to Get.
type Store interface {
	// Create inserts a new record. Returns ErrExists if the id is taken.
	Create(ctx context.Context, job *Job) error

	// Get returns a copy of the record. Returns ErrNotFound for unknown ids.
	Get(ctx context.Context, jobID string) (*Job, error)

	// Update applies fn to a copy of the record and stores the result.
	// If fn returns an error the record is left unchanged and the error is
	// returned as-is. The updated copy is returned on success.
	Update(ctx context.Context, jobID string, fn func(*Job) error) (*Job, error)

	// List returns all records, newest first.
	List(ctx context.Context) ([]Job, error)

	// Close releases backend resources.
	Close() error
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// Retention evicts terminal records whose EndedAt is older than this.
	// Zero keeps records for the process lifetime.
	Retention time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	mu  sync.Mutex
	job *Job
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		jobs:      map[string]*entry{},
		retention: opts.Retention,
		now:       now,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	jobID := strings.TrimSpace(job.JobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, jobID)
	}
	s.jobs[jobID] = &entry{job: job.Clone()}
	return nil
}

func (s *MemoryStore) lookup(jobID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[strings.TrimSpace(jobID)]
	return e, ok
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	e, ok := s.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, jobID string, fn func(*Job) error) (*Job, error) {
	e, ok := s.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.JobID = e.job.JobID
	if err := next.Validate(); err != nil {
		return nil, err
	}
	e.job = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, *e.job.Clone())
		e.mu.Unlock()
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Sweep evicts terminal records older than the retention and returns how
// many were removed. It is a no-op when retention is zero.
func (s *MemoryStore) Sweep() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.jobs {
		e.mu.Lock()
		expired := e.job.State.Terminal() && e.job.EndedAt != nil && e.job.EndedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done. The returned
// function stops the janitor and waits for it to exit.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) func() {
	if s.retention <= 0 || interval <= 0 {
		return func() {}
	}

	t := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
		})
	}
}

func sortNewestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
