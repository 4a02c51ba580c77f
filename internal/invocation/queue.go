package invocation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"OperatorHub/internal/observability/metrics"
	"OperatorHub/pkg/logger"
)

// Subscriber 在每次队列变更后被同步调用。
type Subscriber func(Snapshot)

// SubscriptionID 标识一个订阅者。
type SubscriptionID uint64

// Queue 是可观察的 FIFO 调用队列。它只做协调，不执行任何算子。
//
// 状态迁移单调：queued → executing → {completed, failed}；向后的标记被忽略，
// 终态之间以最后一次标记为准。未知 ID 的标记为空操作。
type Queue struct {
	mu       sync.Mutex
	order    []string
	items    map[string]*Request
	subs     map[SubscriptionID]Subscriber
	subOrder []SubscriptionID
	nextSub  SubscriptionID
	version  uint64
	log      *slog.Logger
}

// NewQueue 创建空队列。
func NewQueue() *Queue {
	return &Queue{
		items: make(map[string]*Request),
		subs:  make(map[SubscriptionID]Subscriber),
		log:   logger.Named("invocation.queue"),
	}
}

// Enqueue 追加一条 queued 请求并返回其 ID。
func (q *Queue) Enqueue(operatorURI string, params map[string]any) string {
	now := nowMillis()
	req := &Request{
		ID:          uuid.NewString(),
		OperatorURI: operatorURI,
		Params:      cloneParams(params),
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.mu.Lock()
	q.items[req.ID] = req
	q.order = append(q.order, req.ID)
	snap, subs := q.commitLocked()
	q.mu.Unlock()

	q.log.Debug("调用请求已入队", slog.String("invocation_id", req.ID), slog.String("operator_uri", operatorURI))
	notify(subs, snap)
	return req.ID
}

// Subscribe 注册订阅者，返回用于取消的 ID。
func (q *Queue) Subscribe(fn Subscriber) SubscriptionID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSub++
	id := q.nextSub
	q.subs[id] = fn
	q.subOrder = append(q.subOrder, id)
	return id
}

// Unsubscribe 取消订阅，未知 ID 忽略。
func (q *Queue) Unsubscribe(id SubscriptionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[id]; !ok {
		return
	}
	delete(q.subs, id)
	for i, s := range q.subOrder {
		if s == id {
			q.subOrder = append(q.subOrder[:i], q.subOrder[i+1:]...)
			break
		}
	}
}

// MarkAsExecuting 把请求标记为执行中，返回是否生效。
func (q *Queue) MarkAsExecuting(id string) bool {
	return q.mark(id, StatusExecuting, "")
}

// MarkAsCompleted 把请求标记为已完成，返回是否生效。
func (q *Queue) MarkAsCompleted(id string) bool {
	return q.mark(id, StatusCompleted, "")
}

// MarkAsFailed 把请求标记为失败，cause 可以为 nil。返回是否生效。
func (q *Queue) MarkAsFailed(id string, cause error) bool {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return q.mark(id, StatusFailed, reason)
}

func (q *Queue) mark(id string, next Status, reason string) bool {
	q.mu.Lock()
	req, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		q.log.Debug("标记未知调用请求，忽略", slog.String("invocation_id", id), slog.String("status", string(next)))
		return false
	}
	if !allowed(req.Status, next) {
		prev := req.Status
		q.mu.Unlock()
		q.log.Debug("忽略回退的状态标记",
			slog.String("invocation_id", id),
			slog.String("from", string(prev)),
			slog.String("to", string(next)))
		return false
	}
	req.Status = next
	req.LastError = reason
	req.UpdatedAt = nowMillis()
	snap, subs := q.commitLocked()
	q.mu.Unlock()

	notify(subs, snap)
	return true
}

func allowed(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() && to.Terminal() {
		return true
	}
	return to.rank() > from.rank()
}

// Get 返回请求副本。
func (q *Queue) Get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.items[id]
	if !ok {
		return Request{}, false
	}
	return req.clone(), true
}

// Snapshot 返回当前 FIFO 快照。
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Stats 统计各状态数量。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Prune 移除所有终态请求，返回移除数量。
func (q *Queue) Prune() int {
	q.mu.Lock()
	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		if q.items[id].Status.Terminal() {
			delete(q.items, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	if removed == 0 {
		q.mu.Unlock()
		return 0
	}
	snap, subs := q.commitLocked()
	q.mu.Unlock()

	notify(subs, snap)
	return removed
}

func (q *Queue) commitLocked() (Snapshot, []Subscriber) {
	q.version++
	snap := q.snapshotLocked()
	subs := make([]Subscriber, 0, len(q.subOrder))
	for _, id := range q.subOrder {
		subs = append(subs, q.subs[id])
	}
	stats := q.statsLocked()
	metrics.SetQueueDepth(string(StatusQueued), stats.Queued)
	metrics.SetQueueDepth(string(StatusExecuting), stats.Executing)
	metrics.SetQueueDepth(string(StatusCompleted), stats.Completed)
	metrics.SetQueueDepth(string(StatusFailed), stats.Failed)
	return snap, subs
}

func (q *Queue) snapshotLocked() Snapshot {
	out := Snapshot{Version: q.version, Requests: make([]Request, 0, len(q.order))}
	for _, id := range q.order {
		out.Requests = append(out.Requests, q.items[id].clone())
	}
	return out
}

func (q *Queue) statsLocked() Stats {
	var s Stats
	for _, req := range q.items {
		s.Total++
		switch req.Status {
		case StatusQueued:
			s.Queued++
		case StatusExecuting:
			s.Executing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// notify 在不持锁的情况下调用订阅者，订阅者可以安全地回调队列。
func notify(subs []Subscriber, snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
