package automation

import (
	"strings"
	"testing"

	"devchain/internal/domain"
)

func TestEvalConditionContains(t *testing.T) {
	cond := domain.Condition{Type: "contains", Pattern: "error"}
	if ok, err := EvalCondition(cond, "fatal error: boom"); err != nil || !ok {
		t.Fatalf("expected match, got %v %v", ok, err)
	}
	if ok, _ := EvalCondition(cond, "all good"); ok {
		t.Fatal("unexpected match")
	}
	// empty pattern is a substring of everything
	if ok, _ := EvalCondition(domain.Condition{Type: "contains"}, "anything"); !ok {
		t.Fatal("empty contains pattern should match")
	}
}

func TestEvalConditionNotContains(t *testing.T) {
	cond := domain.Condition{Type: "not_contains", Pattern: "$"}
	if ok, _ := EvalCondition(cond, "still running..."); !ok {
		t.Fatal("expected match when pattern absent")
	}
	if ok, _ := EvalCondition(cond, "prompt $"); ok {
		t.Fatal("unexpected match when pattern present")
	}
	// empty pattern would fire on every poll, so it never matches
	if ok, _ := EvalCondition(domain.Condition{Type: "not_contains"}, "anything"); ok {
		t.Fatal("empty not_contains pattern must never match")
	}
}

func TestEvalConditionRegex(t *testing.T) {
	cond := domain.Condition{Type: "regex", Pattern: `exit code [1-9]\d*`}
	if ok, err := EvalCondition(cond, "process ended with exit code 137"); err != nil || !ok {
		t.Fatalf("expected regex match, got %v %v", ok, err)
	}
	if ok, _ := EvalCondition(cond, "exit code 0"); ok {
		t.Fatal("unexpected regex match")
	}

	caseless := domain.Condition{Type: "regex", Pattern: "BUILD FAILED", Flags: "i"}
	if ok, _ := EvalCondition(caseless, "build failed after 3s"); !ok {
		t.Fatal("expected case-insensitive match")
	}

	bad := domain.Condition{Type: "regex", Pattern: "("}
	ok, err := EvalCondition(bad, "anything")
	if ok {
		t.Fatal("invalid regex must not match")
	}
	if err == nil {
		t.Fatal("invalid regex should surface an error")
	}
}

func TestEvalConditionUnknownType(t *testing.T) {
	if ok, err := EvalCondition(domain.Condition{Type: "glob", Pattern: "*"}, "x"); ok || err == nil {
		t.Fatalf("unknown type: got %v %v", ok, err)
	}
}

func TestContentHash(t *testing.T) {
	h := ContentHash("some viewport content")
	if len(h) != 16 {
		t.Fatalf("hash length %d, want 16", len(h))
	}
	if strings.ToLower(h) != h {
		t.Fatalf("hash %q not lowercase hex", h)
	}
	if ContentHash("some viewport content") != h {
		t.Fatal("hash not stable")
	}
	if ContentHash("other content") == h {
		t.Fatal("distinct content produced same hash")
	}
	if len(ContentHash("")) != 16 {
		t.Fatal("empty content should still produce 16 chars")
	}
}
