package automation

import "testing"

func TestResolveField(t *testing.T) {
	payload := map[string]any{
		"taskId": "t-1",
		"task":   map[string]any{"status": "done", "meta": map[string]any{"depth": float64(2)}},
	}
	if v, ok := ResolveField(payload, "taskId"); !ok || v != "t-1" {
		t.Fatalf("taskId: %v %v", v, ok)
	}
	if v, ok := ResolveField(payload, "task.status"); !ok || v != "done" {
		t.Fatalf("task.status: %v %v", v, ok)
	}
	if v, ok := ResolveField(payload, "task.meta.depth"); !ok || v != float64(2) {
		t.Fatalf("task.meta.depth: %v %v", v, ok)
	}
	if _, ok := ResolveField(payload, "task.missing"); ok {
		t.Fatal("missing field resolved")
	}
	if _, ok := ResolveField(payload, "taskId.sub"); ok {
		t.Fatal("descended through a string")
	}
	if _, ok := ResolveField(payload, ""); ok {
		t.Fatal("empty path resolved")
	}
}

func TestInterpolate(t *testing.T) {
	payload := map[string]any{
		"name":  "build-bot",
		"count": float64(3),
		"ratio": 0.5,
		"nil":   nil,
		"obj":   map[string]any{"a": "b"},
	}
	cases := []struct{ in, want string }{
		{"hello {{name}}", "hello build-bot"},
		{"{{count}} retries", "3 retries"},
		{"ratio={{ratio}}", "ratio=0.5"},
		{"missing {{nope}} stays", "missing {{nope}} stays"},
		{"nil is <{{nil}}>", "nil is <>"},
		{"obj={{obj}}", `obj={"a":"b"}`},
		{"{{ name }} with spaces", "build-bot with spaces"},
		{"no placeholders", "no placeholders"},
	}
	for _, c := range cases {
		if got := Interpolate(c.in, payload); got != c.want {
			t.Errorf("Interpolate(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
