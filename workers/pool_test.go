package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
	"github.com/wireline/linerpc-go/queue/memoryqueue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPool runs a pool over a fresh memory queue and tears it down with
// the test.
func startPool(t *testing.T, m *methods.Map, opts ...Option) *memoryqueue.Queue {
	t.Helper()

	q := memoryqueue.New()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	pool := New(q, m, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return q
}

func push(t *testing.T, q queue.Queue, inv queue.Invocation) {
	t.Helper()
	if err := q.PushInvocation(context.Background(), inv); err != nil {
		t.Fatalf("PushInvocation: %v", err)
	}
}

func pull(t *testing.T, q queue.Queue) queue.Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	comp, err := q.PullCompletion(ctx)
	if err != nil {
		t.Fatalf("PullCompletion: %v", err)
	}
	return comp
}

func TestPoolServesInvocation(t *testing.T) {
	m := methods.FromHandlers(map[string]methods.HandlerFunc{
		"echo": func(ctx context.Context, call *methods.Call) ([]any, error) {
			return call.Params, nil
		},
	})
	q := startPool(t, m)

	push(t, q, queue.Invocation{Conn: "c1", Method: "echo", Params: []any{"a", float64(2)}})

	comp := pull(t, q)
	if comp.Conn != "c1" {
		t.Errorf("conn = %q, want c1", comp.Conn)
	}
	if comp.Error != nil {
		t.Fatalf("error = %q", *comp.Error)
	}
	if len(comp.Values) != 2 || comp.Values[0] != "a" || comp.Values[1] != float64(2) {
		t.Errorf("values = %v", comp.Values)
	}
}

func TestPoolHandlerError(t *testing.T) {
	m := methods.FromHandlers(map[string]methods.HandlerFunc{
		"fail": func(ctx context.Context, call *methods.Call) ([]any, error) {
			return []any{"ignored"}, errors.New("boom")
		},
	})
	q := startPool(t, m)

	push(t, q, queue.Invocation{Conn: "c1", Method: "fail"})

	comp := pull(t, q)
	if comp.Error == nil || *comp.Error != "boom" {
		t.Fatalf("error = %v, want boom", comp.Error)
	}
	if comp.Values != nil {
		t.Errorf("values = %v, want none alongside an error", comp.Values)
	}
}

func TestPoolPanicBecomesInternalError(t *testing.T) {
	m := methods.FromHandlers(map[string]methods.HandlerFunc{
		"explode": func(ctx context.Context, call *methods.Call) ([]any, error) {
			panic("kaboom")
		},
		"echo": func(ctx context.Context, call *methods.Call) ([]any, error) {
			return call.Params, nil
		},
	})
	q := startPool(t, m, WithSize(1))

	push(t, q, queue.Invocation{Conn: "c1", Method: "explode"})
	comp := pull(t, q)
	if comp.Error == nil || *comp.Error != "internal error" {
		t.Fatalf("error = %v, want internal error", comp.Error)
	}

	// The worker that recovered keeps serving.
	push(t, q, queue.Invocation{Conn: "c1", Method: "echo", Params: []any{"ok"}})
	comp = pull(t, q)
	if comp.Error != nil {
		t.Fatalf("error = %q", *comp.Error)
	}
	if len(comp.Values) != 1 || comp.Values[0] != "ok" {
		t.Errorf("values = %v", comp.Values)
	}
}

func TestPoolUnknownMethod(t *testing.T) {
	m := methods.FromHandlers(nil)
	q := startPool(t, m)

	push(t, q, queue.Invocation{Conn: "c1", Method: "ghost"})

	comp := pull(t, q)
	if comp.Error == nil || *comp.Error != `no such method "ghost"` {
		t.Fatalf("error = %v", comp.Error)
	}
}

func TestPoolNormalizesNilParams(t *testing.T) {
	m := methods.FromHandlers(map[string]methods.HandlerFunc{
		"inspect": func(ctx context.Context, call *methods.Call) ([]any, error) {
			if call.Params == nil {
				return nil, errors.New("params were nil")
			}
			return []any{len(call.Params)}, nil
		},
	})
	q := startPool(t, m)

	push(t, q, queue.Invocation{Conn: "c1", Method: "inspect", Params: nil})

	comp := pull(t, q)
	if comp.Error != nil {
		t.Fatalf("error = %q", *comp.Error)
	}
	if len(comp.Values) != 1 || comp.Values[0] != 0 {
		t.Errorf("values = %v, want [0]", comp.Values)
	}
}

func TestPoolRunsConcurrently(t *testing.T) {
	// Two handlers block on the same barrier. Only a pool running them
	// at the same time can get both past it.
	barrier := make(chan struct{})
	waiting := make(chan struct{}, 2)
	m := methods.FromHandlers(map[string]methods.HandlerFunc{
		"meet": func(ctx context.Context, call *methods.Call) ([]any, error) {
			waiting <- struct{}{}
			select {
			case <-barrier:
				return []any{"met"}, nil
			case <-time.After(5 * time.Second):
				return nil, errors.New("barrier timeout")
			}
		},
	})
	q := startPool(t, m, WithSize(2))

	push(t, q, queue.Invocation{Conn: "a", Method: "meet"})
	push(t, q, queue.Invocation{Conn: "b", Method: "meet"})

	for i := 0; i < 2; i++ {
		select {
		case <-waiting:
		case <-time.After(5 * time.Second):
			t.Fatal("handlers did not run concurrently")
		}
	}
	close(barrier)

	for i := 0; i < 2; i++ {
		comp := pull(t, q)
		if comp.Error != nil {
			t.Fatalf("error = %q", *comp.Error)
		}
	}
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	m := methods.FromHandlers(nil)
	pool := New(memoryqueue.New(), m, WithLogger(discardLogger()), WithSize(2))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPoolRunStopsOnQueueClose(t *testing.T) {
	m := methods.FromHandlers(nil)
	q := memoryqueue.New()
	pool := New(q, m, WithLogger(discardLogger()))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(context.Background()) }()

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil on queue close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after queue close")
	}
}
