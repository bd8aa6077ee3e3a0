package audit

import (
	"context"
	"time"
)

// Task is one post-commit recording request as held by an Outbox.
type Task struct {
	ID          string    `json:"id"`
	Intent      Intent    `json:"intent"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Outbox durably holds tasks until they are recorded. Delivery is
// at-least-once: a task may be handed out again until MarkDone succeeds.
type Outbox interface {
	// Schedule persists a task. Scheduling the same ID twice is a no-op.
	Schedule(ctx context.Context, task Task) error
	// Pending returns up to limit undelivered tasks, oldest first.
	Pending(ctx context.Context, limit int) ([]Task, error)
	// MarkDone marks a task as recorded.
	MarkDone(ctx context.Context, id string) error
}
