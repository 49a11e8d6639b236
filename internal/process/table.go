package process

import (
	"fmt"
	"sync"
)

// Table tracks live processes keyed by server record id. Entries
// remove themselves when the child exits, so lookups only ever see
// processes that are still running or being reaped.
type Table struct {
	mu    sync.RWMutex
	procs map[string]*Process
}

func NewTable() *Table {
	return &Table{procs: make(map[string]*Process)}
}

// Add registers a started process and installs the exit watcher.
func (t *Table) Add(p *Process) error {
	t.mu.Lock()
	if _, exists := t.procs[p.ID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("process %s already tracked", p.ID)
	}
	t.procs[p.ID] = p
	t.mu.Unlock()

	go func() {
		<-p.Done()
		t.mu.Lock()
		// Only remove our own entry; the id may have been reused by a
		// restart in the meantime.
		if cur, ok := t.procs[p.ID]; ok && cur == p {
			delete(t.procs, p.ID)
		}
		t.mu.Unlock()
	}()

	return nil
}

// Get returns the tracked process for a record id.
func (t *Table) Get(id string) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[id]
	return p, ok
}

// Remove drops an entry without stopping the process.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, id)
}

// List returns a snapshot of all tracked processes.
func (t *Table) List() []*Process {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

// Len returns the number of tracked processes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// StopAll stops every tracked process. Used during shutdown.
func (t *Table) StopAll() []error {
	var errs []error
	for _, p := range t.List() {
		if err := p.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", p.ID, err))
		}
	}
	return errs
}
