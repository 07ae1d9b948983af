package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and single-node
// development setups. Tasks live in a slice kept sorted by (DueAt, Seq).
type MemoryStore struct {
	mu    sync.Mutex
	tasks []*Task
	seq   uint64

	// Optional error override — set in tests to simulate an unavailable store.
	DueErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t.Seq = s.seq

	clone := *t
	idx := sort.Search(len(s.tasks), func(i int) bool {
		if !s.tasks[i].DueAt.Equal(clone.DueAt) {
			return s.tasks[i].DueAt.After(clone.DueAt)
		}
		return s.tasks[i].Seq > clone.Seq
	})
	s.tasks = append(s.tasks, nil)
	copy(s.tasks[idx+1:], s.tasks[idx:])
	s.tasks[idx] = &clone
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Due(_ context.Context, asOf time.Time) ([]*Task, error) {
	if s.DueErr != nil {
		return nil, s.DueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for _, t := range s.tasks {
		if t.DueAt.After(asOf) {
			break
		}
		clone := *t
		due = append(due, &clone)
	}
	return due, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to time.Time) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Task
	for _, t := range s.tasks {
		if t.DueAt.Before(from) {
			continue
		}
		if t.DueAt.After(to) {
			break
		}
		clone := *t
		result = append(result, &clone)
	}
	return result, nil
}

func (s *MemoryStore) Stats(_ context.Context, asOf time.Time) (total, overdue int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total = int64(len(s.tasks))
	for _, t := range s.tasks {
		if !t.DueAt.After(asOf) {
			overdue++
		}
	}
	return total, overdue, nil
}

var _ Store = (*MemoryStore)(nil)
