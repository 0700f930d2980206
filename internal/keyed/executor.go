// Package keyed serializes work per key. Tasks submitted under the same
// key run one at a time in submission order; distinct keys run
// concurrently. Queues are created lazily and dropped once drained.
package keyed

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("keyed: executor closed")
	// ErrSaturated is returned when a key's queue is at capacity.
	ErrSaturated = errors.New("keyed: queue saturated")
)

// Executor runs tasks with single-writer-per-key discipline.
type Executor struct {
	mu       sync.Mutex
	queues   map[string]*queue
	maxDepth int
	closed   bool
	wg       sync.WaitGroup
}

type queue struct {
	tasks   []func()
	running bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxDepth bounds the number of queued tasks per key. Zero means
// unbounded.
func WithMaxDepth(n int) Option {
	return func(e *Executor) { e.maxDepth = n }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{queues: make(map[string]*queue)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit enqueues fn under key. It never blocks: a saturated queue
// returns ErrSaturated rather than waiting.
func (e *Executor) Submit(key string, fn func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	q := e.queues[key]
	if q == nil {
		q = &queue{}
		e.queues[key] = q
	}
	if e.maxDepth > 0 && len(q.tasks) >= e.maxDepth {
		e.mu.Unlock()
		return ErrSaturated
	}
	q.tasks = append(q.tasks, fn)
	if !q.running {
		q.running = true
		e.wg.Add(1)
		go e.drain(key, q)
	}
	e.mu.Unlock()
	return nil
}

func (e *Executor) drain(key string, q *queue) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks = q.tasks[1:]
		e.mu.Unlock()

		fn()
	}
}

// Pending returns the number of tasks queued (including running) for key.
func (e *Executor) Pending(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[key]
	if q == nil {
		return 0
	}
	n := len(q.tasks)
	if q.running {
		n++
	}
	return n
}

// ActiveKeys returns the number of keys with live queues.
func (e *Executor) ActiveKeys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues)
}

// Close stops accepting new tasks and waits for queued work to finish.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
