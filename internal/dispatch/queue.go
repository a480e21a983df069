// Package dispatch holds the per-bot outbound queue and the single sender
// that drains it.
package dispatch

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"forward_bot/internal/channel"
	"forward_bot/internal/model"
)

// Item is one pending send.
type Item struct {
	ID          uuid.UUID
	Destination model.ChatRef
	Text        string
	Media       *channel.Media
	// Label names the originating rule or schedule.
	Label      string
	Scheduled  bool
	Source     string
	EnqueuedAt time.Time
	Attempts   int
}

// NewItem stamps an item with a fresh id and enqueue time.
func NewItem(dest model.ChatRef, text string, media *channel.Media, label, source string) Item {
	return Item{
		ID:          uuid.New(),
		Destination: dest,
		Text:        text,
		Media:       media,
		Label:       label,
		Source:      source,
		EnqueuedAt:  time.Now(),
	}
}

// Queue is an unbounded FIFO safe for concurrent producers.
type Queue struct {
	mu     sync.Mutex
	items  *list.List
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		items:  list.New(),
		signal: make(chan struct{}, 1),
	}
}

// Push appends an item at the tail.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	q.items.PushBack(it)
	q.mu.Unlock()
	q.wake()
}

// PushFront puts an item back at the head so it is the next one popped.
func (q *Queue) PushFront(it Item) {
	q.mu.Lock()
	q.items.PushFront(it)
	q.mu.Unlock()
	q.wake()
}

// Pop removes the head item, blocking until one is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if e := q.items.Front(); e != nil {
			q.items.Remove(e)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return e.Value.(Item), nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns a copy of the queued items in order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Item))
	}
	return out
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
