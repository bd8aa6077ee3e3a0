package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agrotrace/tracecore/pkg/auth"
)

var testTime = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func testActor(tenantID string) *auth.User {
	return &auth.User{ID: "user-7", Email: "inspector@example.com", TenantID: tenantID, TenantName: "Finca " + tenantID}
}

// steppingClock returns start, start+1s, start+2s, ...
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

// fakeLedger is a minimal in-package ledger with failure injection.
type fakeLedger struct {
	mu         sync.Mutex
	seq        int64
	events     []*Event
	appendErr  error
	listErr    error
	appendHook func(e *Event)
}

func (f *fakeLedger) Append(_ context.Context, e *Event) error {
	if f.appendHook != nil {
		f.appendHook(e)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.seq++
	e.ID = f.seq
	f.events = append(f.events, e.Clone())
	return nil
}

func (f *fakeLedger) filter(tenantID string, keep func(*Event) bool) ([]*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*Event, 0)
	for _, e := range f.events {
		if e.TenantID == tenantID && keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func reversed(events []*Event) []*Event {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events
}

func (f *fakeLedger) ListByTenant(_ context.Context, tenantID string) ([]*Event, error) {
	out, err := f.filter(tenantID, func(*Event) bool { return true })
	return reversed(out), err
}

func (f *fakeLedger) ListByEntity(_ context.Context, tenantID string, entityType EntityType, entityID int64) ([]*Event, error) {
	out, err := f.filter(tenantID, func(e *Event) bool { return e.EntityType == entityType && e.EntityID == entityID })
	return reversed(out), err
}

func (f *fakeLedger) ListChain(_ context.Context, tenantID string) ([]*Event, error) {
	return f.filter(tenantID, func(e *Event) bool { return e.InChain })
}

func (f *fakeLedger) LatestChainEvent(ctx context.Context, tenantID string) (*Event, error) {
	chain, err := f.ListChain(ctx, tenantID)
	if err != nil || len(chain) == 0 {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

// mutate edits the stored copy of the event with the given id.
func (f *fakeLedger) mutate(id int64, fn func(e *Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ID == id {
			fn(e)
		}
	}
}

// fakeOutbox is an in-package Outbox recording calls.
type fakeOutbox struct {
	mu          sync.Mutex
	tasks       []Task
	done        map[string]bool
	scheduleErr error
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{done: make(map[string]bool)}
}

func (o *fakeOutbox) Schedule(_ context.Context, task Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scheduleErr != nil {
		return o.scheduleErr
	}
	for _, t := range o.tasks {
		if t.ID == task.ID {
			return nil
		}
	}
	o.tasks = append(o.tasks, task)
	return nil
}

func (o *fakeOutbox) Pending(_ context.Context, limit int) ([]Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0)
	for _, t := range o.tasks {
		if !o.done[t.ID] && (limit <= 0 || len(out) < limit) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (o *fakeOutbox) MarkDone(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done[id] = true
	return nil
}

func (o *fakeOutbox) isDone(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done[id]
}
