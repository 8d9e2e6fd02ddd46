package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/metrics"
)

// DefaultQueueCapacity is the default bounded FIFO capacity per subscriber.
const DefaultQueueCapacity = 1000

// Queue is a bounded, best-effort FIFO of events for one subscriber. On a
// full queue, Publish drops the oldest pending event to make room; if the
// queue is still full afterward, the new event is dropped instead.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []domain.Event
	capacity int
	closed   bool
}

func newQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues ev, applying the drop-oldest-then-drop-new backpressure
// policy when full. Returns true if ev was enqueued, false if it was
// dropped outright.
func (q *Queue) push(ev domain.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.buf) >= q.capacity {
		q.buf = q.buf[1:] // drop oldest, retry once
	}
	if len(q.buf) >= q.capacity {
		return false // still full after the retry: drop the new event
	}
	q.buf = append(q.buf, ev)
	q.cond.Signal()
	return true
}

// Recv blocks until an event is available, the queue is closed, or ctx is
// done. ok is false only when the queue closed with nothing left to drain.
func (q *Queue) Recv(ctx context.Context) (ev domain.Event, ok bool, err error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		if ctx.Err() != nil {
			return domain.Event{}, false, ctx.Err()
		}
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return domain.Event{}, false, nil
	}
	ev = q.buf[0]
	q.buf = q.buf[1:]
	return ev, true, nil
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// LiveBus is the best-effort in-process fanout layer, transported over an
// embedded NATS connection: each Subscribe creates a real NATS subscription
// whose callback feeds a bounded per-subscriber Queue.
type LiveBus struct {
	nc      *nats.Conn
	dropped *metrics.Counter

	mu   sync.Mutex
	subs map[string][]*subscription
}

type subscription struct {
	queue   *Queue
	natsSub *nats.Subscription
}

// NewLiveBus creates a Live Bus over an already-connected NATS client.
// dropped, if non-nil, is incremented every time an event is dropped due to
// sustained subscriber backpressure (spec §5's diagnostic counter).
func NewLiveBus(nc *nats.Conn, dropped *metrics.Counter) *LiveBus {
	return &LiveBus{nc: nc, dropped: dropped, subs: make(map[string][]*subscription)}
}

func subject(taskID string) string { return "events." + taskID }

// Subscribe returns a bounded FIFO queue that receives every event
// subsequently published for taskID.
func (b *LiveBus) Subscribe(taskID string) (*Queue, error) {
	q := newQueue(DefaultQueueCapacity)
	natsSub, err := b.nc.Subscribe(subject(taskID), func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		if !q.push(ev) && b.dropped != nil {
			b.dropped.Inc()
		}
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], &subscription{queue: q, natsSub: natsSub})
	b.mu.Unlock()
	return q, nil
}

// Unsubscribe removes queue from taskID's subscriber set, releasing the
// task entry entirely once its last subscriber is gone.
func (b *LiveBus) Unsubscribe(taskID string, q *Queue) {
	b.mu.Lock()
	subs := b.subs[taskID]
	var kept []*subscription
	for _, sub := range subs {
		if sub.queue == q {
			_ = sub.natsSub.Unsubscribe()
			continue
		}
		kept = append(kept, sub)
	}
	if len(kept) == 0 {
		delete(b.subs, taskID)
	} else {
		b.subs[taskID] = kept
	}
	b.mu.Unlock()
	q.close()
}

// Publish enqueues a copy of ev to every current subscriber of taskID.
// Never blocks on subscribers. An ev that cannot be marshalled is not
// published; its json.Marshal error is returned to the caller. A message a
// subscriber's callback fails to unmarshal is dropped by that callback only.
func (b *LiveBus) Publish(taskID string, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject(taskID), data)
}
