package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a map-backed Store. It backs tests and the "memory"
// driver for running the engine without a database file.
type memoryStore struct {
	mu      sync.Mutex
	series  map[string]bool
	samples map[string][]Sample
	jobs    map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		series:  map[string]bool{},
		samples: map[string][]Sample{},
		jobs:    map[string][]byte{},
	}
}

func (m *memoryStore) CreateSeries(_ context.Context, key string) error {
	m.mu.Lock()
	m.series[key] = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) DropSeries(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.series, key)
	delete(m.samples, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Append(_ context.Context, key string, s Sample) error {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	// The sqlite driver encodes Values on the way in; detach from the
	// caller's slice so later mutation cannot reach stored samples.
	s.Values = append(s.Values[:0:0], s.Values...)
	m.mu.Lock()
	list := append(m.samples[key], s)
	// Keep the series time-ordered so Last/Query match the sqlite driver.
	sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	m.samples[key] = list
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Last(_ context.Context, key string, skip int) (*Sample, error) {
	if skip < 0 {
		skip = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.samples[key]
	idx := len(list) - 1 - skip
	if idx < 0 {
		return nil, nil
	}
	s := list[idx]
	return &s, nil
}

func (m *memoryStore) Query(_ context.Context, key string, from, to time.Time, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 1000
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.samples[key] {
		if s.At.Before(from) || s.At.After(to) {
			continue
		}
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) PutJob(_ context.Context, name string, def []byte) error {
	m.mu.Lock()
	m.jobs[name] = append([]byte(nil), def...)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[name]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, name)
	return nil
}

func (m *memoryStore) ListJobs(_ context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.jobs))
	for k, v := range m.jobs {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
