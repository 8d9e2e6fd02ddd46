package taskqueue

import (
	"testing"
	"time"
)

func withClock(q *Queue, t time.Time) func(time.Time) {
	q.now = func() time.Time { return t }
	return func(next time.Time) { q.now = func() time.Time { return next } }
}

func TestEnqueueClaimAck(t *testing.T) {
	q := New()
	start := time.Unix(1000, 0)
	set := withClock(q, start)

	item := q.Enqueue("task-1", map[string]any{"foo": "bar"})
	if item.Status != StatusAvailable || item.Attempt != 1 {
		t.Fatalf("Enqueue() = %+v, want available attempt 1", item)
	}

	claimed := q.Claim("worker-1", 60, 1)
	if len(claimed) != 1 {
		t.Fatalf("Claim() len = %d, want 1", len(claimed))
	}
	if claimed[0].Status != StatusInFlight || claimed[0].LeaseToken == "" {
		t.Fatalf("claimed item = %+v, want in_flight with a lease token", claimed[0])
	}

	set(start)
	if !q.Ack(claimed[0].ID, claimed[0].LeaseToken) {
		t.Fatal("Ack() = false, want true")
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after ack", q.Size())
	}
}

func TestAckRejectsStaleToken(t *testing.T) {
	q := New()
	item := q.Enqueue("task-1", nil)
	claimed := q.Claim("worker-1", 60, 1)
	if len(claimed) != 1 {
		t.Fatalf("Claim() len = %d, want 1", len(claimed))
	}
	if q.Ack(item.ID, "wrong-token") {
		t.Error("Ack() with stale token = true, want false")
	}
	if q.Ack("unknown-id", claimed[0].LeaseToken) {
		t.Error("Ack() with unknown id = true, want false")
	}
}

func TestNackMovesToDelayedWithNewIDAndIncrementedAttempt(t *testing.T) {
	q := New()
	start := time.Unix(2000, 0)
	set := withClock(q, start)

	q.Enqueue("task-1", map[string]any{"x": 1})
	claimed := q.Claim("worker-1", 60, 1)
	original := claimed[0]

	if !q.Nack(original.ID, original.LeaseToken, 5) {
		t.Fatal("Nack() = false, want true")
	}
	if q.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 (delayed replacement)", q.Size())
	}

	// Not yet ready: claiming now should find nothing available.
	if got := q.Claim("worker-1", 60, 1); len(got) != 0 {
		t.Fatalf("Claim() before ready time = %v, want none", got)
	}

	// Advance past the retry delay: the delayed item should promote and claim.
	set(start.Add(6 * time.Second))
	got := q.Claim("worker-1", 60, 1)
	if len(got) != 1 {
		t.Fatalf("Claim() after ready time len = %d, want 1", len(got))
	}
	if got[0].ID == original.ID {
		t.Error("Nack() should mint a new item id, got the same id back")
	}
	if got[0].Attempt != original.Attempt+1 {
		t.Errorf("Attempt = %d, want %d", got[0].Attempt, original.Attempt+1)
	}
}

func TestNackRejectsStaleToken(t *testing.T) {
	q := New()
	item := q.Enqueue("task-1", nil)
	q.Claim("worker-1", 60, 1)
	if q.Nack(item.ID, "wrong-token", 5) {
		t.Error("Nack() with stale token = true, want false")
	}
}

func TestClaimReclaimsExpiredLeaseAndIncrementsAttempt(t *testing.T) {
	q := New()
	start := time.Unix(3000, 0)
	set := withClock(q, start)

	q.Enqueue("task-1", nil)
	first := q.Claim("worker-1", 10, 1)[0]

	// Worker never acks; advance past the 10s lease.
	set(start.Add(11 * time.Second))
	reclaimed := q.Claim("worker-2", 10, 1)
	if len(reclaimed) != 1 {
		t.Fatalf("Claim() after lease expiry len = %d, want 1", len(reclaimed))
	}
	if reclaimed[0].ID != first.ID {
		t.Error("expired-lease reclaim should keep the same item id")
	}
	if reclaimed[0].Attempt != first.Attempt+1 {
		t.Errorf("Attempt = %d, want %d", reclaimed[0].Attempt, first.Attempt+1)
	}
	if reclaimed[0].LeaseToken == first.LeaseToken {
		t.Error("reclaimed item should get a fresh lease token")
	}

	// The stale original token must no longer ack.
	if q.Ack(first.ID, first.LeaseToken) {
		t.Error("Ack() with the original (now-stale) token should fail after reclaim")
	}
}

func TestSizeAndPendingCount(t *testing.T) {
	q := New()
	q.Enqueue("task-1", nil)
	q.Enqueue("task-2", nil)
	claimed := q.Claim("worker-1", 60, 1)
	if len(claimed) != 1 {
		t.Fatalf("Claim() len = %d, want 1", len(claimed))
	}

	if q.Size() != 2 {
		t.Errorf("Size() = %d, want 2", q.Size())
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1 (one in_flight excluded)", q.PendingCount())
	}
}

func TestClaimIsFIFO(t *testing.T) {
	q := New()
	q.Enqueue("task-1", nil)
	q.Enqueue("task-2", nil)
	q.Enqueue("task-3", nil)

	claimed := q.Claim("worker-1", 60, 2)
	if len(claimed) != 2 {
		t.Fatalf("Claim() len = %d, want 2", len(claimed))
	}
	if claimed[0].TaskID != "task-1" || claimed[1].TaskID != "task-2" {
		t.Errorf("Claim() order = [%s, %s], want [task-1, task-2]", claimed[0].TaskID, claimed[1].TaskID)
	}
}

func TestClaimLimitZeroDefaultsToOne(t *testing.T) {
	q := New()
	q.Enqueue("task-1", nil)
	q.Enqueue("task-2", nil)
	if got := q.Claim("worker-1", 60, 0); len(got) != 1 {
		t.Errorf("Claim() with limit 0 len = %d, want 1 (default)", len(got))
	}
}
