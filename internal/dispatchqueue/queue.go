// Package dispatchqueue buffers delivery requests in priority order.
//
// Lower priority values are more urgent. Items with equal priority leave the
// queue in the order they were added.
package dispatchqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"courier/internal/backend"
	"courier/pkg/logx"
)

var ErrAlreadyProcessing = errors.New("queue is already being processed")

// Item is a queued request.
type Item struct {
	ID         string          `json:"itemId"`
	Request    backend.Request `json:"request"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	// Age is filled in by Items().
	Age time.Duration `json:"age"`

	seq uint64
}

// Stats summarizes the queue. All fields are zero on an empty queue.
type Stats struct {
	Count      int           `json:"count"`
	OldestAge  time.Duration `json:"oldestAge"`
	NewestAge  time.Duration `json:"newestAge"`
	MeanAge    time.Duration `json:"meanAge"`
	Priorities map[int]int   `json:"priorities"`
}

// Processor handles one request during ProcessBatch.
type Processor func(ctx context.Context, req backend.Request) (any, error)

// BatchResult is the outcome of one item in ProcessBatch.
type BatchResult struct {
	ItemID  string
	Request backend.Request
	Value   any
	Err     error
}

// Queue is safe for concurrent use.
type Queue struct {
	log logx.Logger
	now func() time.Time

	mu    sync.Mutex
	items []*Item
	seq   uint64

	processing atomic.Bool
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option {
	return func(q *Queue) { q.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(q)
	}
	return q
}

func less(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

// Add inserts req and returns the generated item id.
func (q *Queue) Add(req backend.Request, priority int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	it := &Item{
		ID:         uuid.NewString(),
		Request:    req,
		Priority:   priority,
		EnqueuedAt: q.now(),
		seq:        q.seq,
	}
	// Insert after every item that sorts before or equal to it.
	i := sort.Search(len(q.items), func(i int) bool { return less(it, q.items[i]) })
	q.items = slices.Insert(q.items, i, it)
	return it.ID
}

// Next removes and returns the head.
func (q *Queue) Next() (backend.Request, bool) {
	it, ok := q.pop()
	if !ok {
		return backend.Request{}, false
	}
	return it.Request, true
}

func (q *Queue) pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (backend.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return backend.Request{}, false
	}
	return q.items[0].Request, true
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// Remove deletes the item with the given id.
func (q *Queue) Remove(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.items, func(it *Item) bool { return it.ID == itemID })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Items returns a snapshot in dequeue order with Age computed against now.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		cp := *it
		cp.Age = now.Sub(it.EnqueuedAt)
		out = append(out, cp)
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Priorities: map[int]int{}}
	if len(q.items) == 0 {
		return st
	}
	now := q.now()
	var total time.Duration
	st.Count = len(q.items)
	for i, it := range q.items {
		age := now.Sub(it.EnqueuedAt)
		total += age
		if i == 0 || age > st.OldestAge {
			st.OldestAge = age
		}
		if i == 0 || age < st.NewestAge {
			st.NewestAge = age
		}
		st.Priorities[it.Priority]++
	}
	st.MeanAge = total / time.Duration(len(q.items))
	return st
}

// ReorderByPriority re-sorts the whole buffer by (priority, enqueue time).
func (q *Queue) ReorderByPriority() {
	q.mu.Lock()
	slices.SortStableFunc(q.items, func(a, b *Item) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		default:
			return 0
		}
	})
	q.mu.Unlock()
}

func (q *Queue) IsProcessing() bool { return q.processing.Load() }

// ProcessBatch drains the queue, batchSize items at a time. Items inside a
// batch run concurrently; the next batch starts when the previous one has
// finished. Processor errors and panics are captured per item and never stop
// the loop. Only ctx cancellation ends it early, returning the results so far
// and ctx.Err().
//
// A second call while one is running returns ErrAlreadyProcessing.
func (q *Queue) ProcessBatch(ctx context.Context, processor Processor, batchSize int) ([]BatchResult, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}
	defer q.processing.Store(false)

	if batchSize <= 0 {
		batchSize = 1
	}

	var results []BatchResult
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		batch := q.take(batchSize)
		if len(batch) == 0 {
			break
		}
		batches++

		out := make([]BatchResult, len(batch))
		var g errgroup.Group
		for i, it := range batch {
			g.Go(func() error {
				out[i] = runOne(ctx, processor, it)
				return nil
			})
		}
		_ = g.Wait()
		results = append(results, out...)
	}

	q.log.Debug("queue batch run finished",
		logx.Int("batches", batches),
		logx.Int("items", len(results)),
	)
	return results, nil
}

func runOne(ctx context.Context, processor Processor, it *Item) (res BatchResult) {
	res = BatchResult{ItemID: it.ID, Request: it.Request}
	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	res.Value, res.Err = processor(ctx, it.Request)
	return res
}

func (q *Queue) take(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := slices.Clone(q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	return batch
}
