// Package retry computes redelivery delays for post-commit audit tasks.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds the backoff schedule.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy is used when the dispatcher is not configured explicitly.
func DefaultPolicy() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Max:         10 * time.Second,
		MaxJitter:   50 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// Exhausted reports whether attempt (0-based) is past the last allowed one.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts
}

// Backoff returns the delay before retrying attempt (0-based) of task.
// Jitter is derived from the task id so redeliveries of the same task are
// reproducible while different tasks spread out.
func Backoff(taskID string, attempt int, p Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.Base * time.Duration(factor)
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay + Jitter(taskID, attempt, p)
}

// Jitter is the deterministic jitter component of Backoff.
func Jitter(taskID string, attempt int, p Policy) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", taskID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter checked positive above
}
