package outbox

import (
	"context"
	"sync"

	"github.com/agrotrace/tracecore/pkg/audit"
)

// MemoryOutbox keeps tasks in process memory. It gives retry-after-failure
// within one process but not durability across restarts.
type MemoryOutbox struct {
	mu     sync.Mutex
	tasks  map[string]audit.Task
	status map[string]string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		tasks:  make(map[string]audit.Task),
		status: make(map[string]string),
	}
}

func (o *MemoryOutbox) Schedule(_ context.Context, task audit.Task) error {
	if task.ID == "" {
		return ErrInvalidTask
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.tasks[task.ID]; exists {
		return nil
	}
	o.tasks[task.ID] = task
	o.status[task.ID] = statusPending
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]audit.Task, error) {
	o.mu.Lock()
	out := make([]audit.Task, 0)
	for id, t := range o.tasks {
		if o.status[id] == statusPending {
			out = append(out, t)
		}
	}
	o.mu.Unlock()

	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDone(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tasks[id]; ok {
		o.status[id] = statusDone
	}
	return nil
}

// PendingCount reports how many tasks are not yet done.
func (o *MemoryOutbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.status {
		if s == statusPending {
			n++
		}
	}
	return n
}
