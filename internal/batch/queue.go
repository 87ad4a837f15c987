package batch

import (
	"context"
	"errors"
	"sync"
)

// Queue holds pending items and drains them strictly one at a time. At most one
// drain loop is active; triggers that arrive while it runs are folded into it.
type Queue struct {
	engine   *Engine
	splitter Splitter
	observer Observer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	items   []*Item
	running bool
	closed  bool
	// active counts drain loops that have not finished reporting; idle is
	// closed when it returns to zero.
	active int
	idle   chan struct{}
}

func NewQueue(parent context.Context, engine *Engine, splitter Splitter, observer Observer) *Queue {
	if observer == nil {
		observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Queue{
		engine:   engine,
		splitter: splitter,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Push appends items to the tail without starting a drain.
func (q *Queue) Push(items ...*Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

// Len reports the number of items waiting to be drained.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Kick starts a drain on a new goroutine. It returns false when a drain is
// already active or the queue is closed.
func (q *Queue) Kick() bool {
	if !q.acquire() {
		return false
	}
	go q.drain()
	return true
}

// Drain processes items on the calling goroutine until the queue is empty. It
// returns false immediately when another drain is active.
func (q *Queue) Drain() bool {
	if !q.acquire() {
		return false
	}
	q.drain()
	return true
}

// Wait blocks until no drain is active.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.active == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close abandons the in-flight item, stops draining and waits for the loop to
// exit. Items still queued stay pending.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) acquire() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.closed {
		return false
	}
	q.running = true
	if q.active == 0 {
		q.idle = make(chan struct{})
	}
	q.active++
	q.wg.Add(1)
	return true
}

// release clears the running flag unless items arrived after the last pop.
// The emptiness check and the flag change share one critical section so a
// concurrent Push is either seen here or followed by a successful acquire.
func (q *Queue) release() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.ctx.Err() == nil {
		return false
	}
	q.running = false
	return true
}

// finish marks a released drain loop as done reporting.
func (q *Queue) finish() {
	q.mu.Lock()
	q.active--
	if q.active == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
	q.wg.Done()
}

func (q *Queue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.ctx.Err() != nil {
		return nil
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

func (q *Queue) drain() {
	var done, failed int
	for {
		item := q.pop()
		if item == nil {
			if !q.release() {
				continue
			}
			emit(q.observer, Event{Type: EventBatchCompleted, Done: done, Failed: failed, Pending: q.Len()})
			q.finish()
			return
		}
		if err := q.process(item); err != nil {
			failed++
		} else {
			done++
		}
	}
}

func (q *Queue) process(item *Item) error {
	ctx := q.ctx
	item.setStatus(StatusProcessing, nil)
	emit(q.observer, Event{Type: EventItemProcessing, ItemID: item.ID, Document: item.Name})

	text, err := item.Document.Text(ctx)
	if err != nil {
		return q.fail(item, &StageError{Kind: ErrReadFailed, Document: item.Name, Err: err})
	}

	chunks, err := q.splitter.Split(text)
	if err == nil && len(chunks) == 0 {
		err = errors.New("no chunks produced")
	}
	if err != nil {
		return q.fail(item, &StageError{Kind: ErrSplitFailed, Document: item.Name, Err: err})
	}
	emit(q.observer, Event{Type: EventItemSplit, ItemID: item.ID, Document: item.Name, Chunks: len(chunks)})

	if _, err := q.engine.Render(ctx, item, chunks); err != nil {
		return q.fail(item, err)
	}

	item.setStatus(StatusDone, nil)
	emit(q.observer, Event{Type: EventItemDone, ItemID: item.ID, Document: item.Name, Chunks: len(chunks)})
	return nil
}

func (q *Queue) fail(item *Item, err error) error {
	item.setStatus(StatusFailed, err)
	emit(q.observer, Event{Type: EventItemFailed, ItemID: item.ID, Document: item.Name, Err: err})
	return err
}
