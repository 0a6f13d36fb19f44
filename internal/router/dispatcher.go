package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stellarlinkco/deckbot/pkg/logger"
)

// DefaultMaxConcurrent bounds concurrently handled messages across identities.
const DefaultMaxConcurrent = 16

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("router: dispatcher closed")

// Dispatcher admits messages into one serial lane per conversation identity.
// Messages in a lane are handled strictly in arrival order; different lanes
// run in parallel, at most maxConcurrent at a time.
type Dispatcher struct {
	ctx    context.Context
	handle func(context.Context, Message)
	sem    *semaphore.Weighted
	log    *logger.Logger

	dropped atomic.Int64

	mu     sync.Mutex
	lanes  map[string][]Message
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(ctx context.Context, maxConcurrent int, handle func(context.Context, Message)) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		ctx:    ctx,
		handle: handle,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		log:    logger.Global().Named("dispatcher"),
		lanes:  make(map[string][]Message),
	}
}

// WithLogger sets the logger used to report dropped messages. Call it before
// the first Submit.
func (d *Dispatcher) WithLogger(l *logger.Logger) *Dispatcher {
	if l != nil {
		d.log = l.Named("dispatcher")
	}
	return d
}

// Dropped returns how many queued messages were discarded unhandled because
// the dispatcher's context was cancelled.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Submit queues msg on its identity's lane, starting the lane if idle.
func (d *Dispatcher) Submit(msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	key := msg.ConversationID
	if q, running := d.lanes[key]; running {
		d.lanes[key] = append(q, msg)
		return nil
	}
	d.lanes[key] = []Message{msg}
	d.wg.Add(1)
	go d.run(key)
	return nil
}

// Lanes returns the number of identities with queued or in-flight messages.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close stops admission and waits for queued messages to drain. Lanes stop
// early if the dispatcher's context is cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(key string) {
	defer d.wg.Done()
	for {
		msg, ok := d.next(key)
		if !ok {
			return
		}
		err := d.ctx.Err()
		if err == nil {
			err = d.sem.Acquire(d.ctx, 1)
		}
		if err != nil {
			d.drop(key, msg, err)
			return
		}
		d.handle(d.ctx, msg)
		d.sem.Release(1)
	}
}

// next pops the head of the lane, removing the lane once it is empty.
func (d *Dispatcher) next(key string) (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.lanes[key]
	if len(q) == 0 {
		delete(d.lanes, key)
		return Message{}, false
	}
	msg := q[0]
	q[0] = Message{}
	d.lanes[key] = q[1:]
	return msg, true
}

// drop discards the lane, counting the popped message with the rest.
func (d *Dispatcher) drop(key string, head Message, cause error) {
	d.mu.Lock()
	n := 1 + len(d.lanes[key])
	delete(d.lanes, key)
	d.mu.Unlock()

	d.dropped.Add(int64(n))
	d.log.Warn("dropped queued messages without reply",
		zap.String("conversation_id", head.ConversationID),
		zap.Int("count", n),
		zap.Error(cause),
	)
}
