// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package delivery

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/notification"
)

// retryEntry is one task waiting for its backoff deadline.
type retryEntry struct {
	task  *notification.Task
	at    time.Time
	index int
}

// retryHeap is a min-heap ordered by retry deadline.
type retryHeap []*retryEntry

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *retryHeap) Push(x interface{}) { e := x.(*retryEntry); e.index = len(*h); *h = append(*h, e) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// retryScheduler holds tasks between send attempts. One goroutine sleeps
// until the earliest deadline instead of arming a timer per task; Schedule
// and CancelDevice wake it when the front of the heap changes.
type retryScheduler struct {
	mu      sync.Mutex
	heap    retryHeap
	wake    chan struct{}
	requeue func(*notification.Task)
}

func newRetryScheduler(requeue func(*notification.Task)) *retryScheduler {
	return &retryScheduler{
		wake:    make(chan struct{}, 1),
		requeue: requeue,
	}
}

// Schedule enqueues a task to be requeued at the given time.
func (s *retryScheduler) Schedule(t *notification.Task, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.heap, &retryEntry{task: t, at: at})
	metrics.RetryHeapDepth.Set(float64(s.heap.Len()))
	s.mu.Unlock()

	metrics.DeliveryRetriesScheduled.Inc()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelDevice removes every waiting task for the device. Removed tasks are
// expired, not failed: the device is gone, so delivery is moot.
func (s *retryScheduler) CancelDevice(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	canceled := 0
	for i := 0; i < s.heap.Len(); {
		if s.heap[i].task.DeviceID == deviceID {
			heap.Remove(&s.heap, i)
			canceled++
			continue
		}
		i++
	}
	if canceled > 0 {
		metrics.RetryHeapDepth.Set(float64(s.heap.Len()))
		metrics.DeliveryTasksCanceled.Add(float64(canceled))
	}
	return canceled
}

// Depth returns the number of waiting tasks.
func (s *retryScheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

// Run dispatches due tasks until the context is canceled.
func (s *retryScheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var wait time.Duration
		if s.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].at)
		}

		var due []*notification.Task
		for s.heap.Len() > 0 && !s.heap[0].at.After(time.Now()) {
			e := heap.Pop(&s.heap).(*retryEntry)
			due = append(due, e.task)
		}
		metrics.RetryHeapDepth.Set(float64(s.heap.Len()))
		s.mu.Unlock()

		for _, t := range due {
			s.requeue(t)
		}
		if len(due) > 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// backoffFor computes the retry delay for the given attempt count with
// exponential growth, a hard cap, and +/-20% jitter to spread thundering
// herds after a transport outage.
func backoffFor(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
