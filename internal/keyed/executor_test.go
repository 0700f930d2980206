package keyed

import (
	"sync"
	"testing"
	"time"
)

func TestSerialOrderPerKey(t *testing.T) {
	t.Parallel()

	e := New()
	defer e.Close()

	var mu sync.Mutex
	var got []int

	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		err := e.Submit("hand-1", func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()

	if len(got) != 100 {
		t.Fatalf("expected 100 tasks, ran %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (got %d)", i, v)
		}
	}
}

func TestKeysRunIndependently(t *testing.T) {
	t.Parallel()

	e := New()
	defer e.Close()

	release := make(chan struct{})
	blocked := make(chan struct{})
	if err := e.Submit("slow", func() {
		close(blocked)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	<-blocked

	done := make(chan struct{})
	if err := e.Submit("fast", func() { close(done) }); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast key blocked behind slow key")
	}
	close(release)
}

func TestMaxDepth(t *testing.T) {
	t.Parallel()

	e := New(WithMaxDepth(2))
	defer e.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := e.Submit("k", func() {
		close(started)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	// Two waiting slots fill, third is rejected.
	if err := e.Submit("k", func() {}); err != nil {
		t.Fatalf("first queued submit: %v", err)
	}
	if err := e.Submit("k", func() {}); err != nil {
		t.Fatalf("second queued submit: %v", err)
	}
	if err := e.Submit("k", func() {}); err != ErrSaturated {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}
	close(release)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	t.Parallel()

	e := New()

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		if err := e.Submit("k", func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Fatalf("expected all 10 tasks to run before Close returned, ran %d", ran)
	}
	if err := e.Submit("k", func() {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueDroppedWhenIdle(t *testing.T) {
	t.Parallel()

	e := New()
	defer e.Close()

	done := make(chan struct{})
	if err := e.Submit("k", func() { close(done) }); err != nil {
		t.Fatal(err)
	}
	<-done

	deadline := time.After(2 * time.Second)
	for e.ActiveKeys() != 0 {
		select {
		case <-deadline:
			t.Fatalf("queue not dropped: %d active keys", e.ActiveKeys())
		case <-time.After(time.Millisecond):
		}
	}
}
