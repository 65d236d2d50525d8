package waiter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/xaya/charon/notify"
)

func rawState(id string) json.RawMessage {
	return json.RawMessage(`"` + id + `"`)
}

func TestLoopDedupsEqualStateID(t *testing.T) {
	states := []json.RawMessage{rawState("a"), rawState("a"), rawState("b")}
	var mu sync.Mutex
	idx := 0

	wait := func(ctx context.Context) (bool, json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(states) {
			<-ctx.Done()
			return false, nil
		}
		s := states[idx]
		idx++
		return true, s
	}

	var gotMu sync.Mutex
	var got []json.RawMessage
	l := New("state", notify.State, wait)
	l.SetUpdateHandler(func(state json.RawMessage) {
		gotMu.Lock()
		got = append(got, state)
		gotMu.Unlock()
	})
	l.Start()
	defer l.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gotMu.Lock()
		n := len(got)
		gotMu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	gotMu.Lock()
	defer gotMu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d updates, want 2 (dedup of repeated id): %v", len(got), got)
	}
	if string(got[0]) != `"a"` || string(got[1]) != `"b"` {
		t.Errorf("got %v", got)
	}
}

func TestLoopSkipsJSONNull(t *testing.T) {
	calls := 0
	wait := func(ctx context.Context) (bool, json.RawMessage) {
		calls++
		if calls == 1 {
			return true, json.RawMessage(`null`)
		}
		<-ctx.Done()
		return false, nil
	}
	fired := false
	l := New("state", notify.State, wait)
	l.SetUpdateHandler(func(json.RawMessage) { fired = true })
	l.Start()
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	if fired {
		t.Fatal("a JSON null update must not invoke the handler")
	}
	if _, ok := l.GetCurrentState(); ok {
		t.Fatal("a JSON null update must not become the current state")
	}
}

func TestLoopBacksOffOnFailure(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	start := time.Now()
	var times []time.Duration

	wait := func(ctx context.Context) (bool, json.RawMessage) {
		mu.Lock()
		calls++
		times = append(times, time.Since(start))
		mu.Unlock()
		return false, nil
	}

	l := New("state", notify.State, wait)
	l.SetBackoff(30 * time.Millisecond)
	l.Start()
	time.Sleep(100 * time.Millisecond)
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected multiple retries within 100ms of a 30ms backoff, got %d", calls)
	}
}
