package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExporter_RecordsAndServes(t *testing.T) {
	e := NewPrometheusExporter(Config{})

	e.RecordChat("qa-sql", "success", 120*time.Millisecond)
	e.RecordChat("qa-sql", "blocked", 5*time.Millisecond)
	e.RecordFirstToken("qa-sql", 80*time.Millisecond)
	e.StreamStarted()
	e.RecordRetrieval("qa-sql", 10*time.Millisecond, 3)
	e.RecordLLMUsage("main", 100, 40, 900*time.Millisecond)
	e.RecordModerationBlock("in", "guard")
	e.RecordBreakerTransition("llm:main", "open")
	e.StreamEnded()

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`orbit_gateway_chat_requests_total{adapter="qa-sql",status="success"} 1`,
		`orbit_gateway_chat_requests_total{adapter="qa-sql",status="blocked"} 1`,
		`orbit_gateway_llm_tokens_total{provider="main",token_type="prompt"} 100`,
		`orbit_gateway_moderation_blocks_total{direction="in",moderator="guard"} 1`,
		`orbit_gateway_breaker_transitions_total{target="llm:main",to="open"} 1`,
		`orbit_gateway_chat_active_streams 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
