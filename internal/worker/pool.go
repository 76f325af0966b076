// Package worker dispatches pipeline runs either immediately or through a
// bounded set of workers fed by a FIFO queue.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/dztiler/internal/metrics"
)

var ErrClosed = errors.New("worker pool closed")

// Task is one unit of work.
type Task = func()

// Pool runs submitted tasks. With size 0 every task gets its own goroutine at
// once; with size n>0 at most n tasks run and the rest wait in submission
// order. Submit never blocks.
type Pool struct {
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Task
	running int
	closed  bool
	wg      sync.WaitGroup
}

// New returns a pool running at most size tasks at once; size<=0 is unbounded.
func New(size int, logger *slog.Logger) *Pool {
	if size < 0 {
		size = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{size: size, logger: logger.With("component", "worker")}
}

// Size reports the concurrency bound, 0 when unbounded.
func (p *Pool) Size() int { return p.size }

// Submit schedules t. It returns ErrClosed after Close.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	if p.size == 0 || p.running < p.size {
		p.running++
		p.mu.Unlock()
		go p.loop(t)
		return nil
	}
	p.queue = append(p.queue, t)
	depth := len(p.queue)
	p.mu.Unlock()
	metrics.SetQueueDepth(depth)
	return nil
}

// loop runs t, then keeps draining the queue until it is empty.
func (p *Pool) loop(t Task) {
	for t != nil {
		p.exec(t)
		p.wg.Done()

		p.mu.Lock()
		if p.size > 0 && len(p.queue) > 0 {
			t = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			depth := len(p.queue)
			p.mu.Unlock()
			metrics.SetQueueDepth(depth)
			continue
		}
		p.running--
		p.mu.Unlock()
		t = nil
	}
}

func (p *Pool) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", fmt.Sprint(r))
		}
	}()
	t()
}

// Stats returns the number of running and queued tasks.
func (p *Pool) Stats() (running, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.queue)
}

// Close rejects further submissions. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() { p.wg.Wait() }
