package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

// Request is one unit of work on the execution queue: a trigger (or
// threshold remediation) to run against a fact.
type Request struct {
	ID         string
	TriggerID  string
	Priority   billing.Priority
	Origin     billing.ExecutionOrigin
	Fact       billing.Fact
	EnqueuedAt time.Time
}

// Handler executes one dequeued request.
type Handler func(ctx context.Context, req *Request)

// RejectFunc is invoked for every request dropped due to queue overflow.
// Rejections are reported, never silent.
type RejectFunc func(req *Request, reason string)

// Pool is a bounded worker pool draining a three-level priority queue. The
// queue is the sole synchronization point between fact ingestion, scheduler
// ticks, and the workers. When the queue is at capacity the lowest-priority
// queued item yields to higher-priority arrivals and is rejected through
// the RejectFunc.
type Pool struct {
	logger   *zap.Logger
	handler  Handler
	onReject RejectFunc

	workers int
	maxSize int

	mu      sync.Mutex
	cond    *sync.Cond
	levels  [3][]*Request
	size    int
	stopped bool

	wg sync.WaitGroup
}

// NewPool creates a worker pool with the given concurrency bound and queue
// capacity.
func NewPool(workers, maxSize int, handler Handler, onReject RejectFunc, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool{
		logger:   logger,
		handler:  handler,
		onReject: onReject,
		workers:  workers,
		maxSize:  maxSize,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. They run until Stop is called or ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting execution worker pool",
		zap.Int("workers", p.workers),
		zap.Int("max_queue_size", p.maxSize),
	)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	// Wake blocked workers when the context ends so they can observe it.
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cond.Broadcast()
	}()
}

// Stop drains no further work and waits for in-flight executions to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
	p.logger.Info("Execution worker pool stopped")
}

// Enqueue adds a request at its priority level. If the queue is full, the
// lowest-priority queued item is rejected in favor of a higher-priority
// arrival; an arrival at or below the lowest queued priority is itself
// rejected.
func (p *Pool) Enqueue(req *Request) bool {
	level := req.Priority.QueueLevel()
	req.EnqueuedAt = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.rejectLocked(req, "queue stopped")
		return false
	}

	if p.size >= p.maxSize {
		victimLevel := p.lowestOccupiedLevelLocked()
		if victimLevel <= level {
			p.rejectLocked(req, "queue full")
			return false
		}
		victim := p.popTailLocked(victimLevel)
		p.rejectLocked(victim, "evicted by higher-priority work")
	}

	p.levels[level] = append(p.levels[level], req)
	p.size++
	p.cond.Signal()
	return true
}

// Depth returns the current number of queued requests.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		req := p.dequeue()
		if req == nil {
			return
		}

		p.logger.Debug("Worker picked up request",
			zap.Int("worker_id", id),
			zap.String("request_id", req.ID),
			zap.String("trigger_id", req.TriggerID),
			zap.String("priority", string(req.Priority)),
		)

		p.handler(ctx, req)
	}
}

// dequeue blocks until a request is available or the pool stops. Higher
// priority levels always drain first.
func (p *Pool) dequeue() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for level := 0; level < len(p.levels); level++ {
			if len(p.levels[level]) > 0 {
				req := p.levels[level][0]
				p.levels[level] = p.levels[level][1:]
				p.size--
				return req
			}
		}

		if p.stopped {
			return nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) lowestOccupiedLevelLocked() int {
	for level := len(p.levels) - 1; level >= 0; level-- {
		if len(p.levels[level]) > 0 {
			return level
		}
	}
	return len(p.levels) - 1
}

func (p *Pool) popTailLocked(level int) *Request {
	items := p.levels[level]
	victim := items[len(items)-1]
	p.levels[level] = items[:len(items)-1]
	p.size--
	return victim
}

func (p *Pool) rejectLocked(req *Request, reason string) {
	p.logger.Warn("Execution request rejected",
		zap.String("request_id", req.ID),
		zap.String("trigger_id", req.TriggerID),
		zap.String("priority", string(req.Priority)),
		zap.String("reason", reason),
	)
	if p.onReject != nil {
		p.onReject(req, reason)
	}
}
