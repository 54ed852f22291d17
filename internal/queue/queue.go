// Package queue provides the in-process task queues the engine runs on:
// named FIFO queues with a fixed worker count, worker recycling after a
// bounded task count, and a scatter-gather primitive for parallel decode
// fan-out with a single downstream consumer.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Task is one unit of queued work.
type Task func(ctx context.Context)

// Queue is a named FIFO task queue served by a fixed number of workers.
type Queue struct {
	name         string
	tasks        chan Task
	recycleAfter int

	baseCtx context.Context
	wg      *sync.WaitGroup
}

// Manager owns all queues of the process and their shared lifecycle.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	recycleAfter int
}

const queueDepth = 256

// NewManager creates a queue manager. recycleAfter bounds how many tasks a
// worker goroutine handles before being replaced by a fresh one (0 disables
// recycling).
func NewManager(recycleAfter int) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queues:       map[string]*Queue{},
		ctx:          ctx,
		cancel:       cancel,
		recycleAfter: recycleAfter,
	}
}

// Declare creates (or returns) the named queue and starts its workers.
func (m *Manager) Declare(name string, workers int) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}
	if workers < 1 {
		workers = 1
	}

	q := &Queue{
		name:         name,
		tasks:        make(chan Task, queueDepth),
		recycleAfter: m.recycleAfter,
		baseCtx:      m.ctx,
		wg:           &m.wg,
	}
	m.queues[name] = q

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go q.runWorker()
	}
	log.Printf("[queue] %s ready (%d workers)", name, workers)
	return q
}

// Shutdown stops accepting work, cancels in-flight task contexts and waits
// for workers to exit. Tasks still queued are dropped; every producer is
// idempotent so a later run redoes the work.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// Enqueue submits a task, blocking while the queue is full. Returns an error
// once the manager is shut down.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	select {
	case <-q.baseCtx.Done():
		return fmt.Errorf("queue %s is shut down", q.name)
	case <-ctx.Done():
		return ctx.Err()
	case q.tasks <- task:
		return nil
	}
}

func (q *Queue) runWorker() {
	defer q.wg.Done()

	handled := 0
	for {
		select {
		case <-q.baseCtx.Done():
			return
		case task := <-q.tasks:
			task(q.baseCtx)
			handled++
			if q.recycleAfter > 0 && handled >= q.recycleAfter {
				// Replace this worker with a fresh goroutine so
				// per-task allocations never accumulate beyond the
				// recycle budget.
				q.wg.Add(1)
				go q.runWorker()
				return
			}
		}
	}
}

// Gather scatters jobs onto the queue, blocks until all finish, and returns
// the concatenated results in job order. The first job error is returned
// after all jobs have completed; successful partial results are kept so the
// caller can decide whether to use them.
func Gather[T any](ctx context.Context, q *Queue, jobs []func(ctx context.Context) ([]T, error)) ([]T, error) {
	results := make([][]T, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i, job := range jobs {
		i, job := i, job
		wg.Add(1)
		task := func(taskCtx context.Context) {
			defer wg.Done()
			results[i], errs[i] = job(taskCtx)
		}
		if err := q.Enqueue(ctx, task); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	var out []T
	var firstErr error
	for i := range jobs {
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
		out = append(out, results[i]...)
	}
	return out, firstErr
}
