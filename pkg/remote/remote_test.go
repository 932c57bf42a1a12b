package remote

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureWaitTimesOut(t *testing.T) {
	f := NewFuture()
	if _, ok := f.Wait(10 * time.Millisecond); ok {
		t.Fatalf("expected timeout on an incomplete future")
	}
}

func TestFutureCompleteOnce(t *testing.T) {
	f := NewFuture()
	first := errors.New("first")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 0 {
				f.Complete(Result{Err: first})
				return
			}
			time.Sleep(5 * time.Millisecond)
			f.Complete(Result{Payload: []byte("late")})
		}(i)
	}
	wg.Wait()

	res, ok := f.Wait(time.Second)
	if !ok {
		t.Fatalf("future never completed")
	}
	if !errors.Is(res.Err, first) || res.Payload != nil {
		t.Fatalf("later Complete overwrote the result: %+v", res)
	}
}

func TestCompletedFuture(t *testing.T) {
	f := Completed(Result{Payload: []byte("ok")})
	res, ok := f.Wait(0)
	if !ok || string(res.Payload) != "ok" {
		t.Fatalf("unexpected %+v %v", res, ok)
	}
}

func TestErrorString(t *testing.T) {
	var err error = &Error{Code: 401, Message: "Permission denied"}
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Code != 401 {
		t.Fatalf("errors.As failed")
	}
	if err.Error() != "remote error 401: Permission denied" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
