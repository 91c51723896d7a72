package ioreactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWorkerPoolExecutesSubmittedTasks(t *testing.T) {
	wp := NewWorkerPool(4, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}

	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		wp.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 10 {
		t.Fatalf("executed %d tasks, want 10", len(seen))
	}
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	block := make(chan struct{})
	wp.Submit(func() { <-block })
	wp.Submit(func() {})
	wp.Submit(func() {})
	close(block)

	time.Sleep(20 * time.Millisecond)
	if wp.DroppedTasks() == 0 {
		t.Fatal("expected at least one dropped task")
	}
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	wp := NewWorkerPool(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	wp.Submit(func() { panic("boom") })
	wp.Submit(func() { wg.Done() })

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic and continue processing")
	}
}
