package engine

import (
	"context"
	"sync"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/segmentio/ksuid"
)

// QueueItem is one plan waiting for, or done with, the controller.
type QueueItem struct {
	ID      string
	Plan    *domain.JobPlan
	Status  domain.JobStatus
	Summary *domain.Summary
	Err     error

	cancel context.CancelFunc
}

// Queue runs plans through a Controller one at a time, in the order they
// were added.
type Queue struct {
	mu         sync.RWMutex
	controller *Controller
	items      []*QueueItem
	activeItem *QueueItem
}

func NewQueue(c *Controller) *Queue {
	return &Queue{controller: c}
}

// Add appends plan to the queue. It runs on the next Drain.
func (q *Queue) Add(plan *domain.JobPlan) (*QueueItem, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	item := &QueueItem{
		ID:     ksuid.New().String(),
		Plan:   plan,
		Status: domain.StatusPending,
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	return item, nil
}

// Drain runs every pending item and returns once none is left or ctx is
// done. Items not reached before cancellation stay pending.
func (q *Queue) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		next := q.next()
		if next == nil {
			return
		}

		q.mu.Lock()
		q.activeItem = next
		jobCtx, cancel := context.WithCancel(ctx)
		next.cancel = cancel
		next.Status = domain.StatusDownloading
		q.mu.Unlock()

		sum, err := q.controller.RunJob(jobCtx, next.ID, next.Plan)
		cancel()

		q.mu.Lock()
		next.Summary, next.Err = sum, err
		switch {
		case sum != nil:
			next.Status = sum.Status
		case err != nil:
			next.Status = domain.StatusFailed
		}
		next.cancel = nil
		q.activeItem = nil
		q.mu.Unlock()
	}
}

func (q *Queue) next() *QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, itm := range q.items {
		if itm.Status == domain.StatusPending {
			return itm
		}
	}
	return nil
}

// GetActiveItem returns the item being downloaded, if any.
func (q *Queue) GetActiveItem() *QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.activeItem
}

// GetItem searches the queue for a specific ID.
func (q *Queue) GetItem(id string) (*QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, item := range q.items {
		if item.ID == id {
			return item, true
		}
	}
	return nil, false
}

// Items returns a copy of the queue slice.
func (q *Queue) Items() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*QueueItem, len(q.items))
	copy(items, q.items)
	return items
}

// Cancel stops the item if it is running, or drops it from the pending
// list. It returns false for unknown or finished items.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.ID != id {
			continue
		}
		switch {
		case item.cancel != nil:
			item.cancel()
			return true
		case item.Status == domain.StatusPending:
			item.Status = domain.StatusCancelled
			return true
		}
		return false
	}
	return false
}
