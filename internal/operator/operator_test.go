package operator

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	xerrors "OperatorHub/internal/errors"
)

type hookOperator struct {
	Base
	seenHooks Hooks
}

func (o *hookOperator) UseHooks(ectx *ExecutionContext) Hooks {
	if ectx.Hooks() != nil {
		panic("provisional context must not carry hooks")
	}
	v, _ := ectx.Param("x")
	return Hooks{"echo": v}
}

func (o *hookOperator) Execute(_ context.Context, ectx *ExecutionContext) (any, error) {
	o.seenHooks = ectx.Hooks()
	return ectx.Params(), nil
}

type panicHooks struct{ Base }

func (panicHooks) UseHooks(*ExecutionContext) Hooks { panic("hooks broke") }

func TestExecutionContextTwoPhaseHooks(t *testing.T) {
	op := &hookOperator{Base: NewBase("@acme/test", "hooks", "Hooks")}
	ectx, err := NewExecutionContext(op, map[string]any{"x": 1}, State{Dataset: "quickstart"})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if diff := cmp.Diff(Hooks{"echo": 1}, ectx.Hooks()); diff != "" {
		t.Fatalf("hooks mismatch (-want +got):\n%s", diff)
	}

	next, err := ectx.WithParams(map[string]any{"x": 2})
	if err != nil {
		t.Fatalf("with params: %v", err)
	}
	if v, _ := ectx.Param("x"); v != 1 {
		t.Fatal("original context must stay unchanged")
	}
	if next.Hooks()["echo"] != 2 || next.State().Dataset != "quickstart" {
		t.Fatalf("unexpected derived context: %+v", next)
	}

	params := next.Params()
	params["x"] = 99
	if v, _ := next.Param("x"); v != 2 {
		t.Fatal("Params must return a copy")
	}
}

func TestExecutionContextHookPanic(t *testing.T) {
	ectx, err := NewExecutionContext(panicHooks{NewBase("@acme/test", "panic", "")}, nil, State{})
	if !xerrors.HasCode(err, xerrors.CodeOperatorPanic) {
		t.Fatalf("expected panic error, got %v", err)
	}
	if ectx == nil || ectx.Hooks() != nil || ectx.Params() == nil {
		t.Fatalf("context should still be usable, got %+v", ectx)
	}
}

type recordingInvoker struct{ calls []string }

func (r *recordingInvoker) Enqueue(uri string, _ map[string]any) string {
	r.calls = append(r.calls, uri)
	return "id-1"
}

func TestTriggerUsesInvoker(t *testing.T) {
	inv := &recordingInvoker{}
	ectx, err := NewExecutionContext(nil, nil, State{}, WithInvoker(inv))
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if id := ectx.Trigger("@acme/other/run", nil); id != "id-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if len(inv.calls) != 1 {
		t.Fatalf("expected one call, got %v", inv.calls)
	}
}

func TestBaseDefaults(t *testing.T) {
	b := NewBase("@acme/test", "noop", "Noop")
	ctx := context.Background()
	if in, err := b.ResolveInput(ctx, nil); in != nil || err != nil {
		t.Fatal("default input schema should be absent")
	}
	if b.NeedsUserInput(ctx, nil) || b.NeedsOutput(ctx, nil, Result{}) {
		t.Fatal("defaults should be false")
	}
	if _, err := b.Execute(ctx, nil); !xerrors.HasCode(err, xerrors.CodeExecutionFailed) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if !b.Config().CanExecute {
		t.Fatal("NewBase should allow execution")
	}
}

func TestProtectConvertsPanics(t *testing.T) {
	_, err := Protect("@acme/x/y", func() (int, error) { panic("boom") })
	var coded *xerrors.Error
	if !errors.As(err, &coded) || coded.Code() != xerrors.CodeOperatorPanic {
		t.Fatalf("expected coded panic error, got %v", err)
	}
	v, err := ProtectBool("@acme/x/y", true, func() bool { panic("boom") })
	if err == nil || !v {
		t.Fatalf("expected fallback value with error, got %v %v", v, err)
	}
}

func TestSuccessNormalizesNil(t *testing.T) {
	r := Success(nil, nil)
	if r.Value == nil || r.Err != nil || r.HasValue() || r.Failed() {
		t.Fatalf("unexpected result %+v", r)
	}
	f := Failure(nil, errors.New("x"))
	if !f.Failed() || f.Value != nil {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestSchemaJSON(t *testing.T) {
	nested := NewObject().Str("name", Required())
	obj := NewObject().
		Int("count", Range(0, 10)).
		List("tags", Type{Kind: KindString}).
		Obj("owner", nested).
		Enum("mode", []any{"a", "b"}, Default("a"))

	got := Type{Kind: KindObject, Object: obj}.JSONSchema()
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer", "minimum": 0.0, "maximum": 10.0},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"owner": map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			},
			"mode": map[string]any{"enum": []any{"a", "b"}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("schema mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"mode": "a"}, obj.Defaults()); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestContextCarriesExecutionContext(t *testing.T) {
	op := NewBase("@acme/demo", "score", "Score")
	ectx, err := NewExecutionContext(op, map[string]any{"threshold": 0.5}, State{Dataset: "quickstart"})
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry nothing")
	}
	got, ok := FromContext(IntoContext(context.Background(), ectx))
	if !ok || got != ectx {
		t.Fatal("execution context lost")
	}
	if v, _ := got.Param("threshold"); v != 0.5 {
		t.Fatalf("unexpected param %v", v)
	}

	schema := Type{Kind: KindObject, Object: NewObject().Float("threshold").Bool("strict")}.JSONSchema()
	props := schema["properties"].(map[string]any)
	if diff := cmp.Diff(map[string]any{"type": "number"}, props["threshold"]); diff != "" {
		t.Fatalf("float schema mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"type": "boolean"}, props["strict"]); diff != "" {
		t.Fatalf("bool schema mismatch (-want +got):\n%s", diff)
	}
}
