package window

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestConsumeExpandRoundTrip(t *testing.T) {
	w := New(1024, 256)
	ctx := context.Background()

	if err := w.Consume(ctx, 100); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := w.Size(); got != 924 {
		t.Fatalf("Size after consume = %d, want 924", got)
	}
	w.Expand(100)
	if got := w.Size(); got != 1024 {
		t.Fatalf("Size after expand = %d, want 1024", got)
	}
}

func TestConsumeBlocksUntilExpand(t *testing.T) {
	w := New(10, 256)
	ctx := context.Background()

	if err := w.Consume(ctx, 10); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Consume(ctx, 5) }()

	select {
	case <-done:
		t.Fatal("Consume returned before credit was available")
	case <-time.After(50 * time.Millisecond):
	}

	w.Expand(5)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume after expand: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume never unblocked after Expand")
	}
}

func TestConsumeFailsWhenClosing(t *testing.T) {
	w := New(0, 256)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- w.Consume(ctx, 1) }()

	time.Sleep(10 * time.Millisecond)
	w.Close()

	select {
	case err := <-done:
		if err != ErrClosing {
			t.Fatalf("Consume error = %v, want ErrClosing", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume never returned after Close")
	}

	if err := w.Consume(ctx, 1); err != ErrClosing {
		t.Fatalf("Consume after Close = %v, want ErrClosing", err)
	}
}

func TestConsumeAndCheckAdvertisesBelowHalf(t *testing.T) {
	w := New(1000, 256)

	adj, send, err := w.ConsumeAndCheck(400)
	if err != nil || send {
		t.Fatalf("ConsumeAndCheck(400) = %d, %v, %v; want no adjust yet", adj, send, err)
	}

	adj, send, err = w.ConsumeAndCheck(200)
	if err != nil {
		t.Fatalf("ConsumeAndCheck(200): %v", err)
	}
	if !send {
		t.Fatalf("expected adjust once advertised credit < half of initial")
	}
	if adj != 600 {
		t.Fatalf("adjust = %d, want 600 (restoring to initial 1000)", adj)
	}
}

func TestConsumeAndCheckRejectsOverconsumption(t *testing.T) {
	w := New(10, 256)
	if _, _, err := w.ConsumeAndCheck(11); err == nil {
		t.Fatal("expected error consuming more than advertised credit")
	}
}

func TestWindowInvariantRoundTrip(t *testing.T) {
	// spec §8 property 1/2: paired windows differ by exactly the in-flight
	// amount while a write is outstanding, and are equal again afterward.
	initial := uint32(1024)
	sender := New(initial, 256)   // models remoteWindow on the writer's side
	receiver := New(initial, 256) // models localWindow on the reader's side

	ctx := context.Background()
	const chunk = 100

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sender.Consume(ctx, chunk) // write debits remoteWindow immediately
	}()
	wg.Wait()

	if sender.Size() != uint32(initial)-chunk {
		t.Fatalf("sender window = %d, want %d (in-flight)", sender.Size(), initial-chunk)
	}
	if receiver.Size() != initial {
		t.Fatalf("receiver window should be untouched until read, got %d", receiver.Size())
	}

	// Application "reads" the chunk: the local window is debited via
	// ConsumeAndCheck. A 100-byte read leaves it above half of initial, so
	// no WINDOW_ADJUST is due here; when one is, the peer applies it with
	// Expand.
	adj, _, err := receiver.ConsumeAndCheck(chunk)
	if err != nil {
		t.Fatalf("ConsumeAndCheck: %v", err)
	}
	if adj > 0 {
		sender.Expand(adj)
	}

	if sender.Size() != receiver.Size() {
		t.Fatalf("paired windows diverged: sender=%d receiver=%d", sender.Size(), receiver.Size())
	}
}
