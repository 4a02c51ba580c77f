package prompt

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/operator"
)

type scriptedOperator struct {
	operator.Base
	needsInput  bool
	needsOutput bool
	schema      *operator.Object
	resolveErr  error
	resolveGate chan struct{}
	resolving   chan struct{}
	executeErr  error
	executed    int
	resolves    int
}

func (o *scriptedOperator) NeedsUserInput(context.Context, *operator.ExecutionContext) bool {
	return o.needsInput
}

func (o *scriptedOperator) ResolveInput(context.Context, *operator.ExecutionContext) (*operator.Object, error) {
	o.resolves++
	if o.resolving != nil {
		select {
		case o.resolving <- struct{}{}:
		default:
		}
	}
	if o.resolveGate != nil {
		<-o.resolveGate
	}
	return o.schema, o.resolveErr
}

func (o *scriptedOperator) Execute(_ context.Context, ectx *operator.ExecutionContext) (any, error) {
	o.executed++
	if o.executeErr != nil {
		return nil, o.executeErr
	}
	return ectx.Params(), nil
}

func (o *scriptedOperator) NeedsOutput(context.Context, *operator.ExecutionContext, operator.Result) bool {
	return o.needsOutput
}

func (o *scriptedOperator) ResolveOutput(context.Context, *operator.ExecutionContext, operator.Result) (*operator.Object, error) {
	return operator.NewObject().Str("summary"), nil
}

func setup(t *testing.T, op *scriptedOperator, opts ...Option) *Controller {
	t.Helper()
	reg := operator.NewRegistry()
	if err := reg.Register(op); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewController(reg, opts...)
}

func TestAutoExecuteBypassesPrompt(t *testing.T) {
	op := &scriptedOperator{Base: operator.NewBase("@acme/tools", "reload", "Reload")}
	var successes int
	c := setup(t, op, WithExecutorOptions(executor.WithOnSuccess(func(operator.Result) { successes++ })))

	if err := c.Prompt(context.Background(), op.URI(), map[string]any{"force": true}); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	snap := c.Snapshot()
	if op.executed != 1 || snap.Open || !snap.HasExecuted {
		t.Fatalf("expected immediate execution without opening, got executed=%d %+v", op.executed, snap)
	}
	if successes != 1 {
		t.Fatalf("success callback fired %d times", successes)
	}
}

func TestPromptResolveValidateExecute(t *testing.T) {
	op := &scriptedOperator{
		Base:       operator.NewBase("@acme/tools", "tag", "Tag"),
		needsInput: true,
		schema:     operator.NewObject().Str("label", operator.Required()),
	}
	c := setup(t, op, WithStateProvider(func() operator.State { return operator.State{Dataset: "quickstart"} }))
	ctx := context.Background()

	if err := c.Prompt(ctx, op.URI(), nil); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	snap := c.Snapshot()
	if !snap.Open || !snap.Ready || snap.InputSchema == nil || !snap.Validation.Invalid() {
		t.Fatalf("expected open, ready and invalid prompt, got %+v", snap)
	}

	res, err := c.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Failed() || op.executed != 0 {
		t.Fatal("invalid params must not reach the operator")
	}
	if !c.Snapshot().Open {
		t.Fatal("failed execution keeps the prompt open")
	}

	c.SetParams(ctx, map[string]any{"label": "cat"})
	if snap := c.Snapshot(); snap.Validation.Invalid() || !snap.Ready {
		t.Fatalf("validation should pass after params change, got %+v", snap.Validation)
	}
	res, err = c.Execute(ctx)
	if err != nil || res.Failed() {
		t.Fatalf("execute: %v %+v", err, res)
	}
	snap = c.Snapshot()
	if snap.Open || !snap.HasExecuted {
		t.Fatalf("prompt should auto-close without output, got %+v", snap)
	}
}

func TestOutputKeepsPromptOpen(t *testing.T) {
	op := &scriptedOperator{Base: operator.NewBase("@acme/tools", "count", "Count"), needsInput: true, needsOutput: true}
	c := setup(t, op)
	ctx := context.Background()
	if err := c.Prompt(ctx, op.URI(), nil); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if _, err := c.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}
	snap := c.Snapshot()
	if !snap.Open || snap.OutputSchema == nil || snap.Result == nil {
		t.Fatalf("expected open prompt with output schema, got %+v", snap)
	}
	// Prompt 解析一次，执行本身解析一次，保持打开后再解析一次。
	if op.resolves != 3 || !snap.Ready {
		t.Fatalf("open prompt should re-resolve its input after output, resolves=%d ready=%v", op.resolves, snap.Ready)
	}
}

func TestCloseDiscardsStaleResolution(t *testing.T) {
	op := &scriptedOperator{
		Base:        operator.NewBase("@acme/tools", "slow", "Slow"),
		needsInput:  true,
		schema:      operator.NewObject().Str("x"),
		resolveGate: make(chan struct{}),
		resolving:   make(chan struct{}, 1),
	}
	c := setup(t, op)

	done := make(chan error, 1)
	go func() { done <- c.Prompt(context.Background(), op.URI(), nil) }()

	select {
	case <-op.resolving:
	case <-time.After(time.Second):
		t.Fatal("resolution never started")
	}
	c.Close()
	close(op.resolveGate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("prompt: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("prompt did not return")
	}
	snap := c.Snapshot()
	if snap.Open || snap.Ready || snap.InputSchema != nil || snap.OperatorURI != "" {
		t.Fatalf("stale resolution resurrected the prompt: %+v", snap)
	}
}

func TestExecuteWithoutPrompt(t *testing.T) {
	c := NewController(operator.NewRegistry())
	if _, err := c.Execute(context.Background()); err == nil {
		t.Fatal("expected error without an open prompt")
	}
	if err := c.Prompt(context.Background(), "@acme/none/op", nil); err == nil {
		t.Fatal("expected unknown operator error")
	}
}

func TestFailureNotifiesOnce(t *testing.T) {
	op := &scriptedOperator{Base: operator.NewBase("@acme/tools", "boom", "Boom"), executeErr: errors.New("boom")}
	var failures []operator.Result
	c := setup(t, op, WithExecutorOptions(executor.WithOnError(func(r operator.Result) { failures = append(failures, r) })))
	if err := c.Prompt(context.Background(), op.URI(), nil); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	snap := c.Snapshot()
	if len(failures) != 1 || snap.Result == nil || snap.Result.Value != nil || !snap.HasExecuted {
		t.Fatalf("unexpected failure state %d %+v", len(failures), snap)
	}
}

func TestCancelClosesOpenPrompt(t *testing.T) {
	op := &scriptedOperator{Base: operator.NewBase("@acme/tools", "rename", "Rename"), needsInput: true}
	c := setup(t, op)
	ctx := context.Background()
	if err := c.Prompt(ctx, op.URI(), map[string]any{"to": "x"}); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !c.Snapshot().Open {
		t.Fatal("prompt should be open")
	}
	c.Cancel()
	if snap := c.Snapshot(); snap.Open || snap.Params != nil || snap.OperatorURI != "" {
		t.Fatalf("cancel should reset the prompt, got %+v", snap)
	}
	if _, err := c.Execute(ctx); err == nil {
		t.Fatal("execute after cancel should fail")
	}
	c.SetParams(ctx, map[string]any{"to": "y"})
	if c.Snapshot().Params != nil {
		t.Fatal("params must not change on a closed prompt")
	}
}

func TestAutoExecuteResolveFailureOpensPrompt(t *testing.T) {
	op := &scriptedOperator{
		Base:       operator.NewBase("@acme/tools", "broken", "Broken"),
		resolveErr: errors.New("dataset missing"),
	}
	var failures int
	c := setup(t, op, WithExecutorOptions(executor.WithOnError(func(operator.Result) { failures++ })))

	if err := c.Prompt(context.Background(), op.URI(), nil); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	snap := c.Snapshot()
	if !xerrors.HasCode(snap.ResolveError, xerrors.CodeResolutionFailed) {
		t.Fatalf("expected resolution error on the prompt, got %v", snap.ResolveError)
	}
	if !snap.Open || snap.HasExecuted || snap.Result != nil || op.executed != 0 || failures != 0 {
		t.Fatalf("resolution failure must not count as an execution, got executed=%d failures=%d %+v", op.executed, failures, snap)
	}
}

func TestAutoExecuteInvalidParamsOpensPrompt(t *testing.T) {
	op := &scriptedOperator{
		Base:   operator.NewBase("@acme/tools", "resize", "Resize"),
		schema: operator.NewObject().Int("width", operator.Required()),
	}
	c := setup(t, op)
	ctx := context.Background()

	if err := c.Prompt(ctx, op.URI(), nil); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	snap := c.Snapshot()
	if !snap.Open || !snap.Validation.Invalid() || snap.HasExecuted || op.executed != 0 {
		t.Fatalf("invalid params should open the prompt without executing, got %+v", snap)
	}

	c.SetParams(ctx, map[string]any{"width": 640})
	if _, err := c.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if snap := c.Snapshot(); snap.Open || !snap.HasExecuted || op.executed != 1 {
		t.Fatalf("prompt should close after a valid run, got %+v", snap)
	}
}
