package invocation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func statuses(snap Snapshot) []Status {
	out := make([]Status, len(snap.Requests))
	for i, r := range snap.Requests {
		out[i] = r.Status
	}
	return out
}

func TestEnqueueNotifiesInFIFOOrder(t *testing.T) {
	q := NewQueue()
	var seen []Snapshot
	sub := q.Subscribe(func(s Snapshot) { seen = append(seen, s) })

	a := q.Enqueue("@acme/p/a", map[string]any{"n": 1})
	b := q.Enqueue("@acme/p/b", nil)
	if a == b || a == "" {
		t.Fatalf("ids must be unique, got %q %q", a, b)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(seen))
	}
	last := seen[1]
	if last.Version <= seen[0].Version {
		t.Fatal("snapshot versions must increase")
	}
	if got := []string{last.Requests[0].ID, last.Requests[1].ID}; !cmp.Equal(got, []string{a, b}) {
		t.Fatalf("snapshot not in enqueue order: %v", got)
	}

	q.Unsubscribe(sub)
	q.MarkAsExecuting(a)
	if len(seen) != 2 {
		t.Fatal("unsubscribed observer must not be notified")
	}
}

func TestStatusPolicy(t *testing.T) {
	q := NewQueue()
	id := q.Enqueue("@acme/p/a", nil)

	if !q.MarkAsExecuting(id) {
		t.Fatal("queued -> executing should apply")
	}
	if !q.MarkAsCompleted(id) {
		t.Fatal("executing -> completed should apply")
	}
	if q.MarkAsExecuting(id) {
		t.Fatal("completed -> executing must be ignored")
	}
	req, _ := q.Get(id)
	if req.Status != StatusCompleted {
		t.Fatalf("status reverted to %s", req.Status)
	}

	if !q.MarkAsFailed(id, errors.New("late failure")) {
		t.Fatal("a later terminal mark should win")
	}
	req, _ = q.Get(id)
	if req.Status != StatusFailed || req.LastError != "late failure" {
		t.Fatalf("unexpected request %+v", req)
	}
	if !q.MarkAsCompleted(id) {
		t.Fatal("completed after failed should also win")
	}
	if q.MarkAsCompleted(id) {
		t.Fatal("repeating the same status is not a change")
	}
}

func TestMarkUnknownIsNoop(t *testing.T) {
	q := NewQueue()
	calls := 0
	q.Subscribe(func(Snapshot) { calls++ })
	if q.MarkAsExecuting("missing") || q.MarkAsCompleted("missing") || q.MarkAsFailed("missing", nil) {
		t.Fatal("unknown ids must not apply")
	}
	if calls != 0 {
		t.Fatalf("no-op marks must not notify, got %d", calls)
	}
}

func TestStatsAndPrune(t *testing.T) {
	q := NewQueue()
	a := q.Enqueue("@acme/p/a", nil)
	b := q.Enqueue("@acme/p/b", nil)
	c := q.Enqueue("@acme/p/c", nil)
	q.MarkAsExecuting(a)
	q.MarkAsCompleted(a)
	q.MarkAsFailed(b, nil)

	want := Stats{Total: 3, Queued: 1, Completed: 1, Failed: 1}
	if diff := cmp.Diff(want, q.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if n := q.Prune(); n != 2 {
		t.Fatalf("expected 2 pruned, got %d", n)
	}
	snap := q.Snapshot()
	if len(snap.Requests) != 1 || snap.Requests[0].ID != c {
		t.Fatalf("unexpected snapshot after prune: %+v", snap)
	}
	if diff := cmp.Diff([]Status{StatusQueued}, statuses(snap)); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriberMayReenterQueue(t *testing.T) {
	q := NewQueue()
	q.Subscribe(func(s Snapshot) {
		for _, r := range s.Requests {
			if r.Status == StatusQueued {
				q.MarkAsExecuting(r.ID)
			}
		}
	})
	id := q.Enqueue("@acme/p/a", nil)
	if req, _ := q.Get(id); req.Status != StatusExecuting {
		t.Fatalf("expected re-entrant mark to apply, got %s", req.Status)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	q := NewQueue()
	params := map[string]any{"k": "v"}
	id := q.Enqueue("@acme/p/a", params)
	params["k"] = "changed"
	req, _ := q.Get(id)
	if req.Params["k"] != "v" {
		t.Fatal("queue must copy params on enqueue")
	}
}
