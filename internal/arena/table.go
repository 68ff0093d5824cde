// Package arena holds the in-memory tables of the record store: one id→record map per
// table with monotonically increasing id allocation and its own lock.
package arena

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type Table[K ~int64, V any] struct {
	name string
	mu   sync.RWMutex
	last K
	rows map[K]V
}

func New[K ~int64, V any](name string) *Table[K, V] {
	return &Table[K, V]{name: name, rows: make(map[K]V)}
}

// Insert allocates the next id and stores the record build returns for it.
func (t *Table[K, V]) Insert(build func(id K) V) V {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last++
	v := build(t.last)
	t.rows[t.last] = v
	return v
}

func (t *Table[K, V]) Get(id K) (V, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.rows[id]
	if !ok {
		return v, fmt.Errorf("%s %d: %w", t.name, id, domain.ErrNotFound)
	}
	return v, nil
}

// Update runs fn on a copy of the record under the table's write lock and stores the
// copy only when fn succeeds, so check-and-set sequences are atomic per table.
func (t *Table[K, V]) Update(id K, fn func(*V) error) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.rows[id]
	if !ok {
		return v, fmt.Errorf("%s %d: %w", t.name, id, domain.ErrNotFound)
	}
	if err := fn(&v); err != nil {
		return t.rows[id], err
	}
	t.rows[id] = v
	return v, nil
}

// Select returns the records keep accepts, ordered by id. A nil keep selects all.
func (t *Table[K, V]) Select(keep func(V) bool) []V {
	t.mu.RLock()
	ids := make([]K, 0, len(t.rows))
	for id, v := range t.rows {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]V, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.rows[id])
	}
	t.mu.RUnlock()
	return out
}

func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Replace swaps the whole table for records. Allocation resumes after the highest id.
func (t *Table[K, V]) Replace(records []V, idOf func(V) K) error {
	rows := make(map[K]V, len(records))
	var last K
	for _, v := range records {
		id := idOf(v)
		if id <= 0 {
			return fmt.Errorf("%w: %s id %d is not positive", domain.ErrInvalidInput, t.name, id)
		}
		if _, dup := rows[id]; dup {
			return fmt.Errorf("%w: duplicate %s id %d", domain.ErrInvalidInput, t.name, id)
		}
		rows[id] = v
		if id > last {
			last = id
		}
	}

	t.mu.Lock()
	t.rows = rows
	t.last = last
	t.mu.Unlock()
	return nil
}
