package dynpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureFirstCompletionWins(t *testing.T) {
	f := newFuture[int]()
	f.complete(5)
	f.completeErr(errors.New("late"))
	f.complete(6)

	v, err := f.Get()
	if v != 5 || err != nil {
		t.Fatalf("Get = (%d,%v), want (5,nil)", v, err)
	}
	select {
	case <-f.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestFutureWaitContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on pending future = %v, want deadline exceeded", err)
	}

	// The future is still usable after an abandoned wait.
	f.complete(3)
	v, err := f.Wait(context.Background())
	if v != 3 || err != nil {
		t.Fatalf("Wait = (%d,%v), want (3,nil)", v, err)
	}
}
