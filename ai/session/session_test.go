package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
	"github.com/orbitgw/orbit/store/db/sqlite"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "orbit_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	if err := driver.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	st := store.New(driver, p)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, cfg)
}

func TestValidateSessionID(t *testing.T) {
	if err := ValidateSessionID(NewSessionID()); err != nil {
		t.Errorf("minted id should validate: %v", err)
	}
	for _, bad := range []string{"", "has space", "semi;colon", "x/y", string(make([]byte, 200))} {
		if err := ValidateSessionID(bad); err == nil {
			t.Errorf("ValidateSessionID(%q) should fail", bad)
		}
	}
}

func TestAppendExchange_AndRecent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{HistoryLimit: 4})

	for i := 0; i < 3; i++ {
		err := svc.AppendExchange(ctx, "s1", &Exchange{
			UserContent:      fmt.Sprintf("question %d", i),
			AssistantContent: fmt.Sprintf("answer %d", i),
		})
		if err != nil {
			t.Fatalf("AppendExchange() error = %v", err)
		}
	}

	msgs, err := svc.Recent(ctx, "s1")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("Recent() = %d messages, want history limit 4", len(msgs))
	}
	// Window holds the newest messages, oldest first.
	if msgs[0].Content != "question 1" || msgs[3].Content != "answer 2" {
		t.Errorf("window = [%q .. %q]", msgs[0].Content, msgs[3].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Ordinal <= msgs[i-1].Ordinal {
			t.Fatal("ordinals not strictly increasing")
		}
	}
}

func TestAppendExchange_BlockedRefusalPersisted(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{})

	err := svc.AppendExchange(ctx, "s1", &Exchange{
		UserContent:      "something disallowed",
		AssistantContent: "I can't help with that request.",
		Blocked:          true,
	})
	if err != nil {
		t.Fatalf("AppendExchange() error = %v", err)
	}

	msgs, _ := svc.Recent(ctx, "s1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if !msgs[1].Blocked || msgs[1].Role != "assistant" {
		t.Errorf("refusal message = %+v, want blocked assistant turn", msgs[1])
	}
}

func TestAppendUserTurn_SingleMessage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{})

	if err := svc.AppendUserTurn(ctx, "s1", "something disallowed", 4, true); err != nil {
		t.Fatalf("AppendUserTurn() error = %v", err)
	}

	msgs, _ := svc.Recent(ctx, "s1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want exactly 1", len(msgs))
	}
	if msgs[0].Role != "user" || !msgs[0].Blocked {
		t.Errorf("message = %+v, want blocked user turn", msgs[0])
	}

	// An orphaned user turn still participates in ordinal ordering.
	if err := svc.AppendExchange(ctx, "s1", &Exchange{UserContent: "u", AssistantContent: "a"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ = svc.Recent(ctx, "s1")
	if len(msgs) != 3 || msgs[1].Ordinal <= msgs[0].Ordinal {
		t.Errorf("ordinals not contiguous across append paths: %+v", msgs)
	}
}

func TestAppendExchange_RetentionCap(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{HistoryLimit: 50, MaxMessages: 6})

	for i := 0; i < 5; i++ {
		if err := svc.AppendExchange(ctx, "s1", &Exchange{
			UserContent:      "u",
			AssistantContent: "a",
		}); err != nil {
			t.Fatalf("AppendExchange() error = %v", err)
		}
	}

	msgs, err := svc.Recent(ctx, "s1")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(msgs) > 6 {
		t.Errorf("messages = %d, want at most the cap of 6", len(msgs))
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{})

	if err := svc.AppendExchange(ctx, "s1", &Exchange{UserContent: "u", AssistantContent: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	msgs, _ := svc.Recent(ctx, "s1")
	if len(msgs) != 0 {
		t.Errorf("messages after clear = %d, want 0", len(msgs))
	}
}
