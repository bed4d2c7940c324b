package moderation

import (
	"context"
	"errors"
	"testing"
)

func TestGuard_Keywords(t *testing.T) {
	g, err := NewGuard(&GuardConfig{Keywords: []string{"Forbidden Phrase"}})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}

	result, err := g.Check(context.Background(), "this contains a FORBIDDEN phrase indeed", DirectionIn)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Blocked || result.Category != "keyword" {
		t.Errorf("result = %+v, want keyword block", result)
	}

	result, _ = g.Check(context.Background(), "perfectly fine text", DirectionIn)
	if result.Blocked {
		t.Error("clean text should pass")
	}
}

func TestGuard_MarkersOutputOnly(t *testing.T) {
	g, err := NewGuard(&GuardConfig{Markers: []string{"internal policy id"}})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}

	text := "leak: Internal Policy ID 42"
	if result, _ := g.Check(context.Background(), text, DirectionIn); result.Blocked {
		t.Error("markers must not apply to the input direction")
	}
	if result, _ := g.Check(context.Background(), text, DirectionOut); !result.Blocked {
		t.Error("marker in output should block")
	}
}

func TestGuard_CELRules(t *testing.T) {
	g, err := NewGuard(&GuardConfig{
		Rules: []string{`direction == "in" && text.size() > 100`},
	})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	result, err := g.Check(context.Background(), string(long), DirectionIn)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Blocked || result.Category != "rule" {
		t.Errorf("result = %+v, want rule block", result)
	}

	if result, _ := g.Check(context.Background(), string(long), DirectionOut); result.Blocked {
		t.Error("rule is direction-scoped and should not fire on output")
	}
}

func TestNewGuard_RejectsBadRules(t *testing.T) {
	if _, err := NewGuard(&GuardConfig{Rules: []string{`text +`}}); err == nil {
		t.Error("syntax error should fail at construction")
	}
	if _, err := NewGuard(&GuardConfig{Rules: []string{`text`}}); err == nil {
		t.Error("non-bool rule should fail at construction")
	}
}

type stubModerator struct {
	name    string
	blocked bool
	err     error
	calls   int
}

func (s *stubModerator) Name() string { return s.name }

func (s *stubModerator) Check(ctx context.Context, text string, direction Direction) (*Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Blocked: s.blocked, Category: "stub"}, nil
}

func TestChain_StopsAtFirstBlock(t *testing.T) {
	first := &stubModerator{name: "first", blocked: true}
	second := &stubModerator{name: "second"}
	chain := NewChain([]Moderator{first, second})

	result, err := chain.Check(context.Background(), "text", DirectionIn)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Blocked || result.Moderator != "first" {
		t.Errorf("result = %+v, want block from first", result)
	}
	if second.calls != 0 {
		t.Error("chain should stop at the first block")
	}
}

func TestChain_FailsClosedOnError(t *testing.T) {
	failing := &stubModerator{name: "flaky", err: errors.New("upstream down")}
	chain := NewChain([]Moderator{failing})

	result, err := chain.Check(context.Background(), "text", DirectionIn)
	if err == nil {
		t.Fatal("Check() should surface the moderator error")
	}
	if result == nil || !result.Blocked {
		t.Error("moderator failure must fail closed")
	}
}

func TestChain_EmptyAllowsEverything(t *testing.T) {
	chain := NewChain(nil)
	if chain.Enabled() {
		t.Error("empty chain should report disabled")
	}
	result, err := chain.Check(context.Background(), "anything", DirectionOut)
	if err != nil || result.Blocked {
		t.Errorf("empty chain blocked: %+v, %v", result, err)
	}
}
