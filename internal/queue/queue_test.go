package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsAllTasks(t *testing.T) {
	t.Parallel()

	m := NewManager(0)
	q := m.Declare("orchestrate", 4)

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := q.Enqueue(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	wg.Wait()
	m.Shutdown()

	if got := count.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestWorkerRecycleKeepsServing(t *testing.T) {
	t.Parallel()

	// Recycle after every 3 tasks; far more tasks than one worker's budget
	// must still all run.
	m := NewManager(3)
	q := m.Declare("decode", 2)

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := q.Enqueue(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	wg.Wait()
	m.Shutdown()

	if got := count.Load(); got != 50 {
		t.Errorf("ran %d tasks, want 50", got)
	}
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	t.Parallel()

	m := NewManager(0)
	q := m.Declare("aggregate", 1)
	m.Shutdown()

	if err := q.Enqueue(context.Background(), func(ctx context.Context) {}); err == nil {
		t.Error("Enqueue after Shutdown should fail")
	}
}

func TestGatherConcatenatesInJobOrder(t *testing.T) {
	t.Parallel()

	m := NewManager(0)
	defer m.Shutdown()
	q := m.Declare("decode", 4)

	jobs := make([]func(ctx context.Context) ([]int, error), 4)
	for i := range jobs {
		i := i
		jobs[i] = func(ctx context.Context) ([]int, error) {
			// Finish out of order to prove ordering comes from the
			// gather, not timing.
			time.Sleep(time.Duration(3-i) * 10 * time.Millisecond)
			return []int{i * 10, i*10 + 1}, nil
		}
	}

	got, err := Gather(context.Background(), q, jobs)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := []int{0, 1, 10, 11, 20, 21, 30, 31}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestGatherReportsFirstErrorKeepsPartials(t *testing.T) {
	t.Parallel()

	m := NewManager(0)
	defer m.Shutdown()
	q := m.Declare("decode", 2)

	boom := errors.New("chunk failed")
	jobs := []func(ctx context.Context) ([]string, error){
		func(ctx context.Context) ([]string, error) { return []string{"a"}, nil },
		func(ctx context.Context) ([]string, error) { return nil, boom },
		func(ctx context.Context) ([]string, error) { return []string{"c"}, nil },
	}

	got, err := Gather(context.Background(), q, jobs)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("partial results = %v, want [a c]", got)
	}
}
