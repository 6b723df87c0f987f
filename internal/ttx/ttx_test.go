package ttx_test

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/symphonymesh/symphonyd/internal/ttx"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterFiresOnExpireWhenIncomplete(t *testing.T) {
	tt := ttx.New(10*time.Millisecond, discardLogger())
	tt.Start()
	defer tt.Terminate()

	var fired atomic.Bool
	tt.Register(ttx.Entry{
		Item:       "tunnel-1",
		IsComplete: func(any) bool { return false },
		OnExpire: func(item any, _ time.Time) {
			require.Equal(t, "tunnel-1", item)
			fired.Store(true)
		},
		Lifespan: 20 * time.Millisecond,
	})

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestRegisterSkipsOnExpireWhenComplete(t *testing.T) {
	tt := ttx.New(10*time.Millisecond, discardLogger())
	tt.Start()
	defer tt.Terminate()

	var fired atomic.Bool
	tt.Register(ttx.Entry{
		Item:       "tunnel-2",
		IsComplete: func(any) bool { return true },
		OnExpire:   func(any, time.Time) { fired.Store(true) },
		Lifespan:   15 * time.Millisecond,
	})

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestTerminateIsIdempotentAndDropsPending(t *testing.T) {
	tt := ttx.New(5*time.Millisecond, discardLogger())
	tt.Start()

	var fired atomic.Bool
	tt.Register(ttx.Entry{
		Item:       "tunnel-3",
		IsComplete: func(any) bool { return false },
		OnExpire:   func(any, time.Time) { fired.Store(true) },
		Lifespan:   50 * time.Millisecond,
	})

	tt.Terminate()
	tt.Terminate() // must not panic or block

	require.False(t, fired.Load())
}

func TestRegisterAfterTerminateIsNoOp(t *testing.T) {
	tt := ttx.New(5*time.Millisecond, discardLogger())
	tt.Start()
	tt.Terminate()

	var fired atomic.Bool
	tt.Register(ttx.Entry{
		Item:       "tunnel-4",
		IsComplete: func(any) bool { return false },
		OnExpire:   func(any, time.Time) { fired.Store(true) },
		Lifespan:   10 * time.Millisecond,
	})

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestPriorityResolvesTiesAmongEqualDeadlines(t *testing.T) {
	tt := ttx.New(5*time.Millisecond, discardLogger())
	tt.Start()
	defer tt.Terminate()

	var mu sync.Mutex
	var order []string
	record := func(name string) ttx.OnExpireFunc {
		return func(any, time.Time) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	deadline := 30 * time.Millisecond
	tt.Register(ttx.Entry{Item: "low", IsComplete: func(any) bool { return false }, OnExpire: record("low"), Lifespan: deadline, Priority: 1})
	tt.Register(ttx.Entry{Item: "high", IsComplete: func(any) bool { return false }, OnExpire: record("high"), Lifespan: deadline, Priority: 0})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order)
}

func TestPanicInCallbackIsCaughtAndWorkerContinues(t *testing.T) {
	tt := ttx.New(5*time.Millisecond, discardLogger())
	tt.Start()
	defer tt.Terminate()

	tt.Register(ttx.Entry{
		Item:       "panicker",
		IsComplete: func(any) bool { panic("boom") },
		OnExpire:   func(any, time.Time) {},
		Lifespan:   10 * time.Millisecond,
	})

	var fired atomic.Bool
	tt.Register(ttx.Entry{
		Item:       "survivor",
		IsComplete: func(any) bool { return false },
		OnExpire:   func(any, time.Time) { fired.Store(true) },
		Lifespan:   20 * time.Millisecond,
	})

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}
