package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
)

func TestPoolExecutesByPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 8)

	handler := func(ctx context.Context, req *Request) {
		mu.Lock()
		order = append(order, req.ID)
		mu.Unlock()
		done <- struct{}{}
	}

	// A single worker that we hold back until the queue is loaded, so the
	// drain order is observable.
	p := NewPool(1, 10, handler, nil, zap.NewNop())

	p.Enqueue(&Request{ID: "low", Priority: billing.PriorityLow})
	p.Enqueue(&Request{ID: "medium", Priority: billing.PriorityMedium})
	p.Enqueue(&Request{ID: "high", Priority: billing.PriorityHigh})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for executions")
		}
	}
	p.Stop()

	assert.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestPoolEvictsLowestPriorityOnOverflow(t *testing.T) {
	var mu sync.Mutex
	rejected := map[string]string{}
	onReject := func(req *Request, reason string) {
		mu.Lock()
		rejected[req.ID] = reason
		mu.Unlock()
	}

	// Not started: the queue just accumulates.
	p := NewPool(1, 2, func(ctx context.Context, req *Request) {}, onReject, zap.NewNop())

	require.True(t, p.Enqueue(&Request{ID: "low-1", Priority: billing.PriorityLow}))
	require.True(t, p.Enqueue(&Request{ID: "low-2", Priority: billing.PriorityLow}))
	assert.Equal(t, 2, p.Depth())

	// A higher-priority arrival evicts the newest low-priority item.
	require.True(t, p.Enqueue(&Request{ID: "high-1", Priority: billing.PriorityHigh}))
	assert.Equal(t, 2, p.Depth())

	mu.Lock()
	assert.Contains(t, rejected, "low-2")
	mu.Unlock()
}

func TestPoolRejectsArrivalAtOrBelowLowestPriority(t *testing.T) {
	var mu sync.Mutex
	var rejected []string
	onReject := func(req *Request, reason string) {
		mu.Lock()
		rejected = append(rejected, req.ID)
		mu.Unlock()
	}

	p := NewPool(1, 2, func(ctx context.Context, req *Request) {}, onReject, zap.NewNop())

	require.True(t, p.Enqueue(&Request{ID: "med-1", Priority: billing.PriorityMedium}))
	require.True(t, p.Enqueue(&Request{ID: "med-2", Priority: billing.PriorityMedium}))

	// Same priority as the lowest queued: the arrival is rejected, the
	// queue is untouched.
	assert.False(t, p.Enqueue(&Request{ID: "med-3", Priority: billing.PriorityMedium}))
	assert.False(t, p.Enqueue(&Request{ID: "low-1", Priority: billing.PriorityLow}))
	assert.Equal(t, 2, p.Depth())

	mu.Lock()
	assert.Equal(t, []string{"med-3", "low-1"}, rejected)
	mu.Unlock()
}

func TestPoolStopWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})

	p := NewPool(1, 4, func(ctx context.Context, req *Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(finished)
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.True(t, p.Enqueue(&Request{ID: "work", Priority: billing.PriorityHigh}))
	<-started
	p.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight execution finished")
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	var rejectedReason string
	p := NewPool(1, 4, func(ctx context.Context, req *Request) {}, func(req *Request, reason string) {
		rejectedReason = reason
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Stop()

	assert.False(t, p.Enqueue(&Request{ID: "late", Priority: billing.PriorityHigh}))
	assert.Equal(t, "queue stopped", rejectedReason)
}
