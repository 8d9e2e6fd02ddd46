// Package taskqueue implements the optional in-process Task Queue (§4.L):
// a lease-based FIFO with delayed retry and token-guarded ack/nack, for
// single-process deployments that want worker fan-out without a broker.
package taskqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is an item's position in the queue's state machine.
type Status string

const (
	StatusAvailable Status = "available" // ready to be claimed
	StatusInFlight  Status = "in_flight" // claimed, awaiting ack/nack or lease expiry
	StatusDelayed   Status = "delayed"   // waiting for its ready time before becoming available
)

// DefaultLeaseSeconds and DefaultRetrySeconds mirror spec §4.L's defaults.
const (
	DefaultLeaseSeconds = 60
	DefaultRetrySeconds = 5
)

// Item is one unit of work in the queue.
type Item struct {
	ID          string
	TaskID      string
	Payload     map[string]any
	Attempt     int
	Status      Status
	LeaseToken  string
	LeaseExpiry time.Time
	ReadyAt     time.Time
}

// Queue is a single-process, mutex-guarded lease queue. The zero value is
// not usable; construct with New.
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string // insertion order of available items, FIFO
	now   func() time.Time
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{items: map[string]*Item{}, now: time.Now}
}

// Enqueue adds a new available item for taskID and returns its snapshot.
func (q *Queue) Enqueue(taskID string, payload map[string]any) Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Payload: payload,
		Attempt: 1,
		Status:  StatusAvailable,
		ReadyAt: q.now(),
	}
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	return *item
}

// Claim moves ready delayed items to available, reclaims expired in-flight
// items (incrementing their attempt), then hands out up to limit available
// items to workerID, marking each in_flight with a fresh lease token.
func (q *Queue) Claim(workerID string, leaseSeconds, limit int) []Item {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	if limit <= 0 {
		limit = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteDelayedLocked(now)
	q.reclaimExpiredLocked(now)

	claimed := make([]Item, 0, limit)
	for _, id := range q.order {
		if len(claimed) >= limit {
			break
		}
		item := q.items[id]
		if item == nil || item.Status != StatusAvailable {
			continue
		}
		item.Status = StatusInFlight
		item.LeaseToken = uuid.NewString()
		item.LeaseExpiry = now.Add(time.Duration(leaseSeconds) * time.Second)
		claimed = append(claimed, *item)
	}
	return claimed
}

// Ack completes an in-flight item. Returns false if itemID is unknown or
// leaseToken is stale (a prior lease already expired and was reclaimed).
func (q *Queue) Ack(itemID, leaseToken string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.items[itemID]
	if item == nil || item.Status != StatusInFlight || item.LeaseToken != leaseToken {
		return false
	}
	delete(q.items, itemID)
	q.removeFromOrderLocked(itemID)
	return true
}

// Nack requeues an in-flight item as delayed, under a new item id with an
// incremented attempt. Returns false on an unknown id or stale leaseToken.
func (q *Queue) Nack(itemID, leaseToken string, retryInSeconds int) bool {
	if retryInSeconds <= 0 {
		retryInSeconds = DefaultRetrySeconds
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.items[itemID]
	if item == nil || item.Status != StatusInFlight || item.LeaseToken != leaseToken {
		return false
	}
	delete(q.items, itemID)
	q.removeFromOrderLocked(itemID)

	next := &Item{
		ID:      uuid.NewString(),
		TaskID:  item.TaskID,
		Payload: item.Payload,
		Attempt: item.Attempt + 1,
		Status:  StatusDelayed,
		ReadyAt: q.now().Add(time.Duration(retryInSeconds) * time.Second),
	}
	q.items[next.ID] = next
	q.order = append(q.order, next.ID)
	return true
}

// Size returns the total number of items tracked by the queue, regardless
// of status.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingCount returns the number of items that are available or delayed
// (i.e. not currently leased to a worker).
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if item.Status != StatusInFlight {
			n++
		}
	}
	return n
}

// promoteDelayedLocked moves delayed items whose ready time has passed into
// available. Caller holds q.mu.
func (q *Queue) promoteDelayedLocked(now time.Time) {
	for _, id := range q.order {
		item := q.items[id]
		if item != nil && item.Status == StatusDelayed && !item.ReadyAt.After(now) {
			item.Status = StatusAvailable
		}
	}
}

// reclaimExpiredLocked re-enqueues in-flight items whose lease has expired:
// the worker that claimed them is presumed dead or stuck. The reclaimed
// item keeps its id and attempt count is bumped in place, matching spec
// §4.L ("re-enqueues all in-flight items whose lease has expired,
// incrementing attempt") — unlike Nack, no new id is minted here since
// there's no caller-driven retry_in_seconds to delay by; the item goes
// straight back to available. Caller holds q.mu.
func (q *Queue) reclaimExpiredLocked(now time.Time) {
	for _, id := range q.order {
		item := q.items[id]
		if item != nil && item.Status == StatusInFlight && now.After(item.LeaseExpiry) {
			item.Attempt++
			item.Status = StatusAvailable
			item.LeaseToken = ""
			item.LeaseExpiry = time.Time{}
		}
	}
}

func (q *Queue) removeFromOrderLocked(id string) {
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
