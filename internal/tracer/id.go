package tracer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TimestampLayout is RFC3339 with millisecond precision and a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// NewEventID returns a random UUID used as the event idempotency key.
func NewEventID() string {
	return uuid.NewString()
}

// NewRunID returns an opaque, lexically sortable run identifier.
// ulid.Make is safe for concurrent use and monotonic within a millisecond.
func NewRunID() string {
	return ulid.Make().String()
}

// NewTaskID returns an opaque task identifier.
func NewTaskID() string {
	return ulid.Make().String()
}

// NewToolCallID returns the identifier shared by every event of one tool call.
func NewToolCallID() string {
	return ulid.Make().String()
}

// Clock yields UTC times that never go backwards, even if the wall clock does.
type Clock struct {
	now  func() time.Time
	last time.Time
	mu   sync.Mutex
}

// NewClock wraps a wall-clock source. A nil source means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

var processClock = NewClock(nil)

// Now returns the current time truncated to milliseconds, clamped to be no
// earlier than any previously returned value.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Millisecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// Timestamp returns Now formatted with TimestampLayout.
func (c *Clock) Timestamp() string {
	return FormatTimestamp(c.Now())
}

// FormatTimestamp formats t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UTCNowISO returns the process clock's current timestamp.
func UTCNowISO() string {
	return processClock.Timestamp()
}
