// Package playlist keeps each caller's ordered list of saved clips.
package playlist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one saved clip. Timestamp is its unique key, issued at append time.
type Entry struct {
	Timestamp    int64     `json:"ts"`
	Owner        string    `json:"owner"`
	URL          string    `json:"url"`
	Note         string    `json:"note,omitempty"`
	Position     int       `json:"position"`
	AutoStitched bool      `json:"auto_stitched"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists entries. Playlist is its only writer; Replace must apply all rows
// for the owner atomically.
type Store interface {
	// List returns the owner's entries ordered by position.
	List(ctx context.Context, owner string) ([]Entry, error)
	Insert(ctx context.Context, e Entry) error
	// Replace swaps the owner's whole list for entries.
	Replace(ctx context.Context, owner string, entries []Entry) error
	// MaxTimestamp returns the largest timestamp ever stored, or 0.
	MaxTimestamp(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	maxTS   int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (m *MemoryStore) List(_ context.Context, owner string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Entry(nil), m.entries[owner]...)
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Owner] = append(m.entries[e.Owner], e)
	if e.Timestamp > m.maxTS {
		m.maxTS = e.Timestamp
	}
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, owner string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) == 0 {
		delete(m.entries, owner)
		return nil
	}
	m.entries[owner] = append([]Entry(nil), entries...)
	for _, e := range entries {
		if e.Timestamp > m.maxTS {
			m.maxTS = e.Timestamp
		}
	}
	return nil
}

func (m *MemoryStore) MaxTimestamp(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTS, nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, list := range m.entries {
		n += len(list)
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Position != entries[j].Position {
			return entries[i].Position < entries[j].Position
		}
		return entries[i].Timestamp < entries[j].Timestamp
	})
}
