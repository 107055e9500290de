package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process ItemStore. It backs the "memory" driver
// (dry runs) and tests in other packages.
//
// The Err* fields inject failures: when set, the matching call returns the
// error without touching state.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[int64]Item
	nextID int64

	ErrNext  error
	ErrSet   func(column string, id int64) error
	ErrPurge error
}

func NewMemoryStore(items ...Item) *MemoryStore {
	m := &MemoryStore{items: map[int64]Item{}}
	for _, it := range items {
		_, _ = m.Insert(context.Background(), it)
	}
	return m
}

func (m *MemoryStore) Get(id int64) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return it, ok
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryStore) eligibleLocked() []Item {
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		if it.Eligible() {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) NextEligible(ctx context.Context) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrNext != nil {
		return Item{}, false, m.ErrNext
	}
	el := m.eligibleLocked()
	if len(el) == 0 {
		return Item{}, false, nil
	}
	return el[0], true, nil
}

func (m *MemoryStore) ListEligible(ctx context.Context, limit int) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el := m.eligibleLocked()
	if limit > 0 && len(el) > limit {
		el = el[:limit]
	}
	return el, nil
}

func (m *MemoryStore) set(column string, id int64, fn func(*Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrSet != nil {
		if err := m.ErrSet(column, id); err != nil {
			return err
		}
	}
	it, ok := m.items[id]
	if !ok {
		return nil
	}
	fn(&it)
	m.items[id] = it
	return nil
}

func (m *MemoryStore) SetPublished(ctx context.Context, id int64, v bool) error {
	return m.set("published", id, func(it *Item) { it.Published = v })
}

func (m *MemoryStore) SetChecked(ctx context.Context, id int64, v bool) error {
	return m.set("checked", id, func(it *Item) { it.Checked = v })
}

func (m *MemoryStore) SetApproved(ctx context.Context, id int64, v bool) error {
	return m.set("approved", id, func(it *Item) { it.Approved = v })
}

func (m *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (PurgeCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrPurge != nil {
		return PurgeCounts{}, m.ErrPurge
	}
	day := DateOnly(cutoff)
	var counts PurgeCounts
	for id, it := range m.items {
		if DateOnly(it.DateAdded).After(day) {
			continue
		}
		switch {
		case it.Checked && !it.Approved:
			counts.Unapproved++
		case it.Published:
			counts.Published++
		default:
			continue
		}
		delete(m.items, id)
	}
	return counts, nil
}

func (m *MemoryStore) Insert(ctx context.Context, it Item) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if it.ID == 0 {
		it.ID = m.nextID
	} else if it.ID > m.nextID {
		m.nextID = it.ID
	}
	if it.DateAdded.IsZero() {
		it.DateAdded = time.Now()
	}
	it.DateAdded = DateOnly(it.DateAdded)
	m.items[it.ID] = it
	return it.ID, nil
}

func (m *MemoryStore) Close() error { return nil }
