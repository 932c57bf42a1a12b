// Package remote defines the boundary between the sync engine and the shared
// realtime store.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the shared realtime tree flight records are written to.
type Store interface {
	// Connect authenticates. It is also used to recover when Ready is false.
	Connect(ctx context.Context) error
	// Ready reports whether the store can accept writes right now.
	Ready() bool
	// Reset tears down the current connection and credentials and
	// authenticates again.
	Reset(ctx context.Context) error
	// Update merges body into the node at path. The write runs in the
	// background; the returned future completes when the store answers.
	Update(ctx context.Context, path string, body []byte) *Future
}

// Error is a failure reported by the store itself.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Result is the outcome of one write.
type Result struct {
	Err     error
	Payload []byte
}

// Future is a one-shot completion slot. Complete only records the result;
// whoever waits observes it through Wait.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that has already completed with r.
func Completed(r Result) *Future {
	f := NewFuture()
	f.Complete(r)
	return f
}

// Complete stores r. Only the first call has any effect.
func (f *Future) Complete(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future completes or timeout elapses. ok is false on
// timeout.
func (f *Future) Wait(timeout time.Duration) (Result, bool) {
	if timeout <= 0 {
		select {
		case <-f.done:
			return f.result, true
		default:
			return Result{}, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.result, true
	case <-t.C:
		return Result{}, false
	}
}
