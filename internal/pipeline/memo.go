package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"roomrelay/internal/fetch"
)

// resourceMemo shares one resource fetch between all channel lanes that
// deliver the same message. Entries live for the activity-driven TTL.
type resourceMemo struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*memoEntry
}

type memoEntry struct {
	done    chan struct{}
	res     fetch.Result
	err     error
	expires time.Time
}

func newResourceMemo(now func() time.Time) *resourceMemo {
	return &resourceMemo{now: now, entries: map[string]*memoEntry{}}
}

// resolve returns the memoized result for key, running load at most once
// per live entry. Callers that find a load in flight wait for it or for ctx.
func (m *resourceMemo) resolve(ctx context.Context, key string, ttl time.Duration, load func() (fetch.Result, error)) (fetch.Result, error) {
	now := m.now()
	m.mu.Lock()
	e := m.entries[key]
	if e != nil && isDone(e) && (now.After(e.expires) || gone(e.res.Path)) {
		delete(m.entries, key)
		e.res.Release()
		e = nil
	}
	if e != nil {
		m.mu.Unlock()
		select {
		case <-e.done:
			return e.res, e.err
		case <-ctx.Done():
			return fetch.Result{}, ctx.Err()
		}
	}
	e = &memoEntry{done: make(chan struct{}), expires: now.Add(ttl)}
	m.entries[key] = e
	m.mu.Unlock()

	e.res, e.err = load()
	if e.err != nil {
		// Failures are not shared past the lanes already waiting.
		m.mu.Lock()
		if m.entries[key] == e {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
	close(e.done)
	return e.res, e.err
}

// gone reports a cached file removed underneath the memo by eviction or a
// cache clear.
func gone(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err != nil
}

func isDone(e *memoEntry) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// sweep drops expired entries and releases their temp files.
func (m *resourceMemo) sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if isDone(e) && now.After(e.expires) {
			e.res.Release()
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// purge drops every finished entry.
func (m *resourceMemo) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if isDone(e) {
			e.res.Release()
			delete(m.entries, k)
		}
	}
}

func (m *resourceMemo) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
