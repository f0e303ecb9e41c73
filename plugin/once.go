package plugin

import (
	"context"
	"sync"
)

// onceCell is one keyed execution slot. The first caller runs the work;
// everyone else waits for the broadcast result.
type onceCell struct {
	done chan struct{}
	err  error
}

// onceMap gives once-per-lifetime semantics per key. A finished key never
// reruns, success or failure.
type onceMap struct {
	mu    sync.Mutex
	cells map[string]*onceCell
}

func newOnceMap() *onceMap {
	return &onceMap{cells: make(map[string]*onceCell)}
}

// Do runs fn under key at most once for the map's lifetime. Concurrent and
// later callers receive the first execution's result. A waiter whose ctx
// ends leaves with ctx.Err() while the execution carries on for the rest.
func (m *onceMap) Do(ctx context.Context, key string, fn func() error) error {
	m.mu.Lock()
	cell, ok := m.cells[key]
	if !ok {
		cell = &onceCell{done: make(chan struct{})}
		m.cells[key] = cell
		m.mu.Unlock()

		cell.err = fn()
		close(cell.done)
		return cell.err
	}
	m.mu.Unlock()

	select {
	case <-cell.done:
		return cell.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
