package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type echoTool struct {
	calls int
	last  Input
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echo the input" }
func (e *echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "minimum": 1},
		},
	}
}
func (e *echoTool) Execute(_ context.Context, in Input, _ *Entity) Result {
	e.calls++
	e.last = in
	return Success(in)
}

type strictTool struct{ echoTool }

func (s *strictTool) Name() string { return "strict" }
func (s *strictTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}

type panicTool struct{ echoTool }

func (p *panicTool) Name() string { return "boom" }
func (p *panicTool) Execute(context.Context, Input, *Entity) Result {
	panic("kaboom")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&echoTool{}); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	got, ok := r.Get("echo")
	if !ok || got.Name() != "echo" {
		t.Fatalf("expected to find echo tool, got %v", got)
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("expected not to find nonexistent tool")
	}

	r.MustRegister(&strictTool{})
	names := r.Names()
	if len(names) != 2 || names[0] != "echo" || names[1] != "strict" {
		t.Errorf("unexpected names %v", names)
	}

	defs := r.Definitions(func(name string) bool { return name == "strict" })
	if len(defs) != 1 || defs[0].Function.Name != "strict" || defs[0].Type != "function" {
		t.Errorf("unexpected filtered definitions %+v", defs)
	}
	if all := r.Definitions(nil); len(all) != 2 {
		t.Errorf("expected 2 definitions, got %d", len(all))
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	bad := &badSchemaTool{}
	if err := r.Register(bad); err == nil {
		t.Fatal("expected schema compile error")
	}
}

type badSchemaTool struct{ echoTool }

func (b *badSchemaTool) Name() string { return "bad" }
func (b *badSchemaTool) Parameters() map[string]any {
	return map[string]any{"type": 42}
}

func TestExecuteMalformedArgumentsBecomeEmptyInput(t *testing.T) {
	echo := &echoTool{}
	r := NewRegistry().MustRegister(echo)

	for _, raw := range []string{`{"text": "unterminated`, `[1,2,3]`, `"just a string"`} {
		inv := r.Execute(context.Background(), "echo", raw, nil)
		if !inv.Malformed {
			t.Errorf("%q: expected Malformed", raw)
		}
		if !inv.Result.OK {
			t.Errorf("%q: expected tool to run on empty input, got %+v", raw, inv.Result)
		}
		if len(echo.last) != 0 {
			t.Errorf("%q: expected empty input, got %v", raw, echo.last)
		}
	}

	inv := r.Execute(context.Background(), "echo", "", nil)
	if inv.Malformed || !inv.Result.OK {
		t.Errorf("blank arguments should be a clean empty object, got %+v", inv)
	}
}

func TestExecuteMalformedArgumentsHitRequiredFields(t *testing.T) {
	r := NewRegistry().MustRegister(&strictTool{})
	inv := r.Execute(context.Background(), "strict", "{not json", nil)
	if !inv.Malformed {
		t.Error("expected Malformed")
	}
	if inv.Result.Reason() != ReasonMissingField {
		t.Errorf("expected %s, got %+v", ReasonMissingField, inv.Result)
	}
}

func TestExecuteValidation(t *testing.T) {
	echo := &echoTool{}
	r := NewRegistry().MustRegister(echo)

	inv := r.Execute(context.Background(), "echo", `{"count": 0}`, nil)
	if inv.Result.Reason() != ReasonValidation {
		t.Fatalf("expected validation failure, got %+v", inv.Result)
	}
	if !strings.Contains(inv.Result.Failure.Message, "count") {
		t.Errorf("expected message to name the field, got %q", inv.Result.Failure.Message)
	}
	if echo.calls != 0 {
		t.Error("tool must not run on invalid input")
	}

	inv = r.Execute(context.Background(), "echo", `{"text":"hi","count":2}`, nil)
	if !inv.Result.OK || echo.last.GetInt("count", 0) != 2 {
		t.Errorf("expected valid call to pass through, got %+v", inv.Result)
	}
}

func TestExecuteUnknownAndPanic(t *testing.T) {
	r := NewRegistry().MustRegister(&panicTool{})

	inv := r.Execute(context.Background(), "missing", "{}", nil)
	if inv.Result.Reason() != ReasonUnknownTool {
		t.Errorf("expected unknown_tool, got %+v", inv.Result)
	}

	inv = r.Execute(context.Background(), "boom", "{}", nil)
	if inv.Result.Reason() != ReasonInternal {
		t.Errorf("expected internal_error from panic, got %+v", inv.Result)
	}
	if inv.Duration <= 0 {
		t.Error("expected duration to be recorded")
	}
}

func TestResultJSON(t *testing.T) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(Fail(ReasonNotFound, "no %s", "thing").JSON()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["ok"] != false {
		t.Errorf("expected ok=false, got %v", decoded["ok"])
	}
	errObj, _ := decoded["error"].(map[string]any)
	if errObj["reason"] != ReasonNotFound || errObj["message"] != "no thing" {
		t.Errorf("unexpected error object %v", errObj)
	}

	ok := Success(map[string]int{"n": 1}, "x_done").JSON()
	if !strings.Contains(ok, `"side_effects":["x_done"]`) || !strings.Contains(ok, `"ok":true`) {
		t.Errorf("unexpected success JSON %s", ok)
	}
}
