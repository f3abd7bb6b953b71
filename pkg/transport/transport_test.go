package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/omochice/socketeer/pkg/transport"
)

type deadlineRecorder struct {
	mu    sync.Mutex
	calls []time.Time
}

func (r *deadlineRecorder) set(t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, t)
	return nil
}

func (r *deadlineRecorder) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls...)
}

func TestWatchDeadline(t *testing.T) {
	t.Run("applies the context deadline", func(t *testing.T) {
		deadline := time.Now().Add(time.Hour)
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		var r deadlineRecorder
		stop := transport.WatchDeadline(ctx, r.set)
		stop()

		calls := r.snapshot()
		if len(calls) != 1 || !calls[0].Equal(deadline) {
			t.Errorf("set calls = %v, want [%v]", calls, deadline)
		}
	})

	t.Run("clears the deadline without one", func(t *testing.T) {
		var r deadlineRecorder
		stop := transport.WatchDeadline(context.Background(), r.set)
		stop()

		calls := r.snapshot()
		if len(calls) != 1 || !calls[0].IsZero() {
			t.Errorf("set calls = %v, want one zero deadline", calls)
		}
	})

	t.Run("cancel moves the deadline into the past", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		var r deadlineRecorder
		stop := transport.WatchDeadline(ctx, r.set)
		cancel()
		stop()

		calls := r.snapshot()
		if len(calls) != 2 {
			t.Fatalf("set called %d times, want 2", len(calls))
		}
		if !calls[1].Before(time.Now()) || calls[1].IsZero() {
			t.Errorf("deadline after cancel = %v, want a past time", calls[1])
		}
	})

	t.Run("no calls after stop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		var r deadlineRecorder
		stop := transport.WatchDeadline(ctx, r.set)
		stop()
		cancel()

		if n := len(r.snapshot()); n != 1 {
			t.Errorf("set called %d times, want 1", n)
		}
	})
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state transport.State
		want  string
	}{
		{transport.StateOpen, "OPEN"},
		{transport.StateCloseSent, "CLOSE_SENT"},
		{transport.StateCloseReceived, "CLOSE_RECEIVED"},
		{transport.StateClosed, "CLOSED"},
		{transport.StateAborted, "ABORTED"},
		{transport.State(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
