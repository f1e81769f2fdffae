package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowforge/flowhost/internal/engine"
	"github.com/flowforge/flowhost/internal/host/retry"
)

type fakeAdapters struct {
	calls     int32
	failUntil int32
	resp      json.RawMessage
	permanent error
}

func (f *fakeAdapters) Call(_ context.Context, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.permanent != nil {
		return nil, f.permanent
	}
	if n <= f.failUntil {
		return nil, errors.New("transient: upstream unavailable")
	}
	return f.resp, nil
}

func TestCall_SucceedsAfterTransientRetries(t *testing.T) {
	adapters := &fakeAdapters{failUntil: 2, resp: json.RawMessage(`{"ok":true}`)}
	e := New(adapters, retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	out, err := e.Call(context.Background(), engine.CallRequest{Adapter: "a", Operation: "op"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("unexpected response: %s", out)
	}
	if atomic.LoadInt32(&adapters.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", adapters.calls)
	}
}

func TestCall_PermanentErrorDoesNotRetry(t *testing.T) {
	adapters := &fakeAdapters{permanent: errors.New("permanent: bad request")}
	e := New(adapters, retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	_, err := e.Call(context.Background(), engine.CallRequest{Adapter: "a", Operation: "op"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if atomic.LoadInt32(&adapters.calls) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retriable error, got %d", adapters.calls)
	}
}

func TestCall_ContextCancelledWhilePoolFull(t *testing.T) {
	adapters := &fakeAdapters{resp: json.RawMessage(`{}`)}
	e := New(adapters, retry.Policy{MaxAttempts: 1})
	for i := 0; i < maxInFlight; i++ {
		e.sem <- struct{}{}
	}
	defer func() {
		for i := 0; i < maxInFlight; i++ {
			<-e.sem
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Call(ctx, engine.CallRequest{Adapter: "a", Operation: "op"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
