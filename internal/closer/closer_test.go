package closer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFutureCompleteOnce(t *testing.T) {
	f := NewFuture()
	f.Complete(nil)
	f.Complete(errors.New("ignored, already resolved"))
	if err := f.Verify(time.Second); err != nil {
		t.Fatalf("Verify = %v, want nil (first Complete wins)", err)
	}
}

func TestFutureVerifyTimeout(t *testing.T) {
	f := NewFuture()
	if err := f.Verify(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Verify = %v, want ErrTimeout", err)
	}
}

func TestCompletedIdempotent(t *testing.T) {
	f := Completed(nil)
	if !f.Done() {
		t.Fatal("Completed future should report Done immediately")
	}
	if err := f.Verify(time.Second); err != nil {
		t.Fatalf("Verify = %v", err)
	}
}

func TestBuilderSequentialOrder(t *testing.T) {
	var order []int
	b := NewBuilder()
	b.Run(func() error { order = append(order, 1); return nil })
	b.Run(func() error { order = append(order, 2); return nil })
	if err := b.Build().Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestBuilderParallelRunsConcurrently(t *testing.T) {
	var count int32
	var cs []Closeable
	for i := 0; i < 5; i++ {
		cs = append(cs, CloseableFunc(func() error {
			atomic.AddInt32(&count, 1)
			return nil
		}))
	}
	b := NewBuilder().Parallel(cs...)
	if err := b.Build().Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
}

func TestBuilderJoinsParallelErrors(t *testing.T) {
	err1 := errors.New("one")
	err2 := errors.New("two")
	b := NewBuilder().Parallel(
		CloseableFunc(func() error { return err1 }),
		CloseableFunc(func() error { return err2 }),
	)
	err := b.Build().Close()
	if !errors.Is(err, err1) || !errors.Is(err, err2) {
		t.Fatalf("Close error = %v, want both joined", err)
	}
}

func TestRunCloseFutureBridgesToFuture(t *testing.T) {
	f := RunCloseFuture(CloseableFunc(func() error { return nil }))
	if err := f.Verify(time.Second); err != nil {
		t.Fatalf("Verify = %v", err)
	}
}

func TestWhenDependencyWaits(t *testing.T) {
	dep := NewFuture()
	ran := make(chan struct{})
	dependent := CloseableFunc(func() error { close(ran); return nil })

	go func() {
		if err := WhenDependency(dep, dependent).Close(); err != nil {
			t.Error(err)
		}
	}()

	select {
	case <-ran:
		t.Fatal("dependent ran before dependency resolved")
	case <-time.After(30 * time.Millisecond):
	}

	dep.Complete(nil)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("dependent never ran after dependency resolved")
	}
}
