// Package ttx implements a deadline-driven watchdog for in-flight
// operations that must complete within a bounded time or be rolled back.
package ttx

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultEventPeriod is the default interval at which the scheduler checks
// for expired entries.
const DefaultEventPeriod = 1 * time.Second

// IsCompleteFunc reports whether the item has reached a terminal state and
// no longer needs watching.
type IsCompleteFunc func(item any) bool

// OnExpireFunc is invoked exactly once when an entry expires without having
// completed.
type OnExpireFunc func(item any, expiredAt time.Time)

// Entry describes a watched item and its deadline.
type Entry struct {
	Item       any
	IsComplete IsCompleteFunc
	OnExpire   OnExpireFunc
	Lifespan   time.Duration
	Priority   int // lower value resolves ties among equal deadlines first

	deadline time.Time
}

// TimedTransactions schedules expiry callbacks on a dedicated worker
// goroutine. It is safe for concurrent use.
type TimedTransactions struct {
	eventPeriod time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	entries  []*Entry
	started  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a TimedTransactions scheduler with the given check interval.
// If period is zero, DefaultEventPeriod is used.
func New(period time.Duration, logger *slog.Logger) *TimedTransactions {
	if period <= 0 {
		period = DefaultEventPeriod
	}
	return &TimedTransactions{
		eventPeriod: period,
		logger:      logger.With("component", "ttx"),
		done:        make(chan struct{}),
	}
}

// Start launches the worker goroutine. Start is not safe to call more than
// once.
func (t *TimedTransactions) Start() {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
}

// Register schedules entry to expire at now+Lifespan. Registering after
// Terminate has been called is a no-op.
func (t *TimedTransactions) Register(entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return
	default:
	}

	entry.deadline = time.Now().Add(entry.Lifespan)
	e := entry
	t.entries = append(t.entries, &e)
}

// Terminate stops the worker, drops all pending entries, and waits for the
// worker to exit. Terminate is idempotent.
func (t *TimedTransactions) Terminate() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()

	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

func (t *TimedTransactions) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.eventPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.drainExpired()
		}
	}
}

// drainExpired fires every entry whose deadline has passed, in priority
// order among ties, and removes them from the pending set.
func (t *TimedTransactions) drainExpired() {
	now := time.Now()

	t.mu.Lock()
	var expired []*Entry
	remaining := t.entries[:0]
	for _, e := range t.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	t.entries = remaining
	t.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	sortByDeadlineThenPriority(expired)

	for _, e := range expired {
		t.fireExpired(e, now)
	}
}

func sortByDeadlineThenPriority(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			if a.deadline.Before(b.deadline) {
				break
			}
			if a.deadline.Equal(b.deadline) && a.Priority <= b.Priority {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

func (t *TimedTransactions) fireExpired(e *Entry, expiredAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in timed-transaction callback",
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	if e.IsComplete(e.Item) {
		return
	}
	e.OnExpire(e.Item, expiredAt)
}
