// Package outbox holds post-commit audit tasks until the dispatcher has
// recorded them.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/agrotrace/tracecore/pkg/audit"
)

const (
	statusPending = "PENDING"
	statusDone    = "DONE"
)

// ErrInvalidTask is returned by Schedule for tasks without an ID.
var ErrInvalidTask = errors.New("outbox: task id is empty")

var (
	_ audit.Outbox = (*MemoryOutbox)(nil)
	_ audit.Outbox = (*SQLiteOutbox)(nil)
	_ audit.Outbox = (*PostgresOutbox)(nil)
)

func encodeIntent(in audit.Intent) ([]byte, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode audit intent: %w", err)
	}
	return b, nil
}

func decodeIntent(id string, b []byte) (audit.Intent, error) {
	var in audit.Intent
	if err := json.Unmarshal(b, &in); err != nil {
		return audit.Intent{}, fmt.Errorf("corrupt intent JSON in outbox record %s: %w", id, err)
	}
	return in, nil
}

func sortTasks(tasks []audit.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].ScheduledAt.Equal(tasks[j].ScheduledAt) {
			return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
