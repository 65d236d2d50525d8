// Package waiter implements Charon's long-poll driver: a dedicated goroutine
// that repeatedly calls an update-waiting function, dedups consecutive
// updates by a notification type's state identifier, and fans the surviving
// updates out to a single update handler.
package waiter

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xaya/charon/notify"
)

var log = logrus.WithField("component", "waiter")

// DefaultBackoff is how long the loop sleeps after a failed waiter call
// before retrying, less the time the failed call itself took.
const DefaultBackoff = 5 * time.Second

// UpdateWaiter is the long-polling update source a Loop drives. It must
// return promptly when ctx is canceled. ok reports whether a new state was
// obtained at all; when ok is true, state may still be JSON null to signal
// "no update" without treating the call as failed.
type UpdateWaiter func(ctx context.Context) (ok bool, state json.RawMessage)

// UpdateHandler is invoked, on the loop's own goroutine, whenever a new
// state with a different identifier than the current one arrives. It must
// not block indefinitely.
type UpdateHandler func(state json.RawMessage)

// Loop drives a single UpdateWaiter on a dedicated goroutine.
type Loop struct {
	typ   notify.Type
	wait  UpdateWaiter
	label string

	mu       sync.Mutex
	backoff  time.Duration
	hasState bool
	state    json.RawMessage
	stateID  interface{}
	handler  UpdateHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Loop for typ, driven by wait. label is used only for
// logging (e.g. the notification type name).
func New(label string, typ notify.Type, wait UpdateWaiter) *Loop {
	return &Loop{
		typ:     typ,
		wait:    wait,
		label:   label,
		backoff: DefaultBackoff,
	}
}

// SetBackoff changes the retry backoff. Safe to call at any time.
func (l *Loop) SetBackoff(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoff = d
}

// SetUpdateHandler installs h as the handler invoked on every surviving
// update. Safe to call at any time; takes effect on the next update.
func (l *Loop) SetUpdateHandler(h UpdateHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// ClearUpdateHandler removes any installed handler.
func (l *Loop) ClearUpdateHandler() {
	l.SetUpdateHandler(nil)
}

// GetCurrentState returns the most recently accepted state and whether any
// state has been seen yet.
func (l *Loop) GetCurrentState() (json.RawMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.hasState
}

// Start launches the loop's goroutine. Calling Start twice without an
// intervening Stop is a programming error.
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	go func() {
		defer close(done)
		l.run(ctx)
	}()
}

// Stop cancels the loop and joins its goroutine.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.iterate(ctx)
	}
}

func (l *Loop) iterate(ctx context.Context) {
	start := time.Now()
	ok, state := l.wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if !ok {
		l.sleepBackoff(ctx, time.Since(start))
		return
	}
	if isJSONNull(state) {
		return
	}

	id, err := l.typ.ExtractStateID(state)
	if err != nil {
		log.WithError(err).WithField("notification", l.label).Warn("waiter: dropping update with unparseable state")
		return
	}

	l.mu.Lock()
	if l.hasState && reflect.DeepEqual(l.stateID, id) {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.stateID = id
	l.hasState = true
	handler := l.handler
	l.mu.Unlock()

	if handler != nil {
		handler(state)
	}
}

func (l *Loop) sleepBackoff(ctx context.Context, elapsed time.Duration) {
	l.mu.Lock()
	backoff := l.backoff
	l.mu.Unlock()

	remaining := backoff - elapsed
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func isJSONNull(raw json.RawMessage) bool {
	if raw == nil {
		return true
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v == nil
}
