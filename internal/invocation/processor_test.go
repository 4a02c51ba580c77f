package invocation

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/observability/alerting"
	"OperatorHub/internal/operator"
)

type chainOperator struct {
	operator.Base
	next string
	err  error
}

func (o chainOperator) Execute(_ context.Context, ectx *operator.ExecutionContext) (any, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.next != "" {
		ectx.Trigger(o.next, ectx.Params())
	}
	return "ok", nil
}

func waitFor(t *testing.T, q *Queue, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(q.Stats()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met, stats %+v", q.Stats())
}

func TestProcessorRunsSideInvocations(t *testing.T) {
	reg := operator.NewRegistry()
	queue := NewQueue()
	mustRegister(t, reg, chainOperator{Base: operator.NewBase("@acme/chain", "first", "First"), next: "@acme/chain/second"})
	mustRegister(t, reg, chainOperator{Base: operator.NewBase("@acme/chain", "second", "Second")})
	mustRegister(t, reg, chainOperator{Base: operator.NewBase("@acme/chain", "broken", "Broken"), err: errors.New("boom")})

	runner := ExecutorRunner{Registry: reg, Options: []executor.Option{executor.WithInvoker(queue)}}
	dispatcher := NewMemoryDispatcher(8)
	proc := NewProcessor(queue, dispatcher, runner, WithWorkerCount(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Start(ctx) }()

	queue.Enqueue("@acme/chain/first", map[string]any{"n": 1})
	queue.Enqueue("@acme/chain/broken", nil)
	queue.Enqueue("@acme/chain/missing", nil)

	waitFor(t, queue, func(s Stats) bool { return s.Total == 4 && s.Completed == 2 && s.Failed == 2 })

	for _, req := range queue.Snapshot().Requests {
		if req.OperatorURI == "@acme/chain/second" && req.Params["n"] != 1 {
			t.Fatalf("side invocation lost params: %+v", req)
		}
		if req.OperatorURI == "@acme/chain/missing" && req.LastError == "" {
			t.Fatal("missing operator should record an error")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorRequiresDependencies(t *testing.T) {
	if err := NewProcessor(nil, nil, nil).Start(context.Background()); err == nil {
		t.Fatal("expected initialization error")
	}
}

func TestRedisDispatcherRoundTrip(t *testing.T) {
	addr := os.Getenv("OPERATORHUB_TEST_REDIS")
	if addr == "" {
		t.Skip("OPERATORHUB_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := NewRedisDispatcher(ctx, RedisConfig{Address: addr, BlockWait: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Close()
	other, err := NewRedisDispatcher(ctx, RedisConfig{Address: addr, BlockWait: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer other.Close()
	if d.Key() == other.Key() {
		t.Fatalf("dispatchers without a configured key must not share %q", d.Key())
	}

	sent := Envelope{ID: "abc", OperatorURI: "@acme/chain/first", Instance: "node-a"}
	if err := d.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := make(chan Envelope, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = d.Consume(consumeCtx, 1, func(_ context.Context, env Envelope) error {
			got <- env
			return nil
		})
	}()
	select {
	case env := <-got:
		if diff := cmp.Diff(sent, env); diff != "" {
			t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
		}
	case <-ctx.Done():
		t.Fatal("no message consumed")
	}
	stop()
}

func TestProcessorsSharingTransportRunOnlyTheirOwnRequests(t *testing.T) {
	reg := operator.NewRegistry()
	mustRegister(t, reg, chainOperator{Base: operator.NewBase("@acme/chain", "solo", "Solo")})

	shared := NewMemoryDispatcher(16)
	queueA, queueB := NewQueue(), NewQueue()
	procA := NewProcessor(queueA, shared, ExecutorRunner{Registry: reg}, WithInstanceID("node-a"))
	procB := NewProcessor(queueB, shared, ExecutorRunner{Registry: reg}, WithInstanceID("node-b"))

	if err := procA.handle(context.Background(), Envelope{ID: "x", Instance: "node-b"}); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("foreign message should be handed back, got %v", err)
	}
	if err := procA.handle(context.Background(), Envelope{ID: "unknown"}); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("unknown id should be handed back, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- procA.Start(ctx) }()
	go func() { done <- procB.Start(ctx) }()

	for i := 0; i < 5; i++ {
		queueA.Enqueue("@acme/chain/solo", map[string]any{"i": i})
		queueB.Enqueue("@acme/chain/solo", map[string]any{"i": i})
	}
	waitFor(t, queueA, func(s Stats) bool { return s.Completed == 5 })
	waitFor(t, queueB, func(s Stats) bool { return s.Completed == 5 })

	for _, p := range []*Processor{procA, procB} {
		deadline := time.Now().Add(2 * time.Second)
		for {
			p.mu.Lock()
			left := len(p.published)
			p.mu.Unlock()
			if left == 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s still tracks %d published ids", p.Instance(), left)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("processor did not stop")
		}
	}
}

func mustRegister(t *testing.T, reg *operator.Registry, op operator.Operator) {
	t.Helper()
	if err := reg.Register(op); err != nil {
		t.Fatalf("register %s: %v", op.URI(), err)
	}
}

type panicOperator struct {
	operator.Base
}

func (panicOperator) Execute(context.Context, *operator.ExecutionContext) (any, error) {
	panic("kaboom")
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestProcessorAlertsOnFailures(t *testing.T) {
	reg := operator.NewRegistry()
	queue := NewQueue()
	mustRegister(t, reg, panicOperator{Base: operator.NewBase("@acme/chain", "panics", "Panics")})

	alerts := &recordingAlerts{}
	proc := NewProcessor(queue, NewMemoryDispatcher(4), ExecutorRunner{Registry: reg}, WithAlerts(alerts))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = proc.Start(ctx) }()

	id := queue.Enqueue("@acme/chain/panics", nil)
	waitFor(t, queue, func(s Stats) bool { return s.Failed == 1 })

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	ev := alerts.events[0]
	if ev.InvocationID != id || ev.Code != xerrors.CodeOperatorPanic || ev.Severity != xerrors.SeverityCritical || ev.Kind != xerrors.KindExtension {
		t.Fatalf("unexpected alert: %+v", ev)
	}
}
