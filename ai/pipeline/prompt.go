package pipeline

import (
	"fmt"
	"strings"

	"github.com/orbitgw/orbit/ai/core/llm"
	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/store"
)

// EstimateTokens approximates token count as ceil(len/4). Good enough for
// budget pruning; exact tokenization is provider-specific.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// PromptBudget bounds assembled prompt size.
type PromptBudget struct {
	// NumCtx is the model context window in tokens.
	NumCtx int
	// ReservedOutput is held back for the completion.
	ReservedOutput int
}

// Available returns the token budget for the prompt itself.
func (b PromptBudget) Available() int {
	avail := b.NumCtx - b.ReservedOutput
	if avail < 0 {
		return 0
	}
	return avail
}

const contextPreamble = "Use the following context to answer. If the context does not contain the answer, say so.\n\n"

// AssemblePrompt builds the message list in fixed order: system prompt,
// history, retrieved context, user message. When the budget is exceeded the
// oldest history drops first; system prompt, context, and the user message
// are never dropped.
func AssemblePrompt(systemPrompt string, history []*store.Message, docs []retrieval.Document, userMessage string, budget PromptBudget) []llm.Message {
	var messages []llm.Message
	fixed := 0

	if systemPrompt != "" {
		fixed += EstimateTokens(systemPrompt)
	}

	contextBlock := renderContext(docs)
	if contextBlock != "" {
		fixed += EstimateTokens(contextBlock)
	}
	fixed += EstimateTokens(userMessage)

	available := budget.Available() - fixed

	// Walk history newest-first, keeping turns while they fit, then restore
	// chronological order.
	var kept []*store.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		cost := int(m.TokenEstimate)
		if cost == 0 {
			cost = EstimateTokens(m.Content)
		}
		if available-cost < 0 {
			break
		}
		available -= cost
		kept = append(kept, m)
	}

	if systemPrompt != "" {
		messages = append(messages, llm.SystemPrompt(systemPrompt))
	}
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, llm.Message{Role: kept[i].Role, Content: kept[i].Content})
	}
	if contextBlock != "" {
		messages = append(messages, llm.SystemPrompt(contextBlock))
	}
	messages = append(messages, llm.UserMessage(userMessage))
	return messages
}

func renderContext(docs []retrieval.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(contextPreamble)
	for i, d := range docs {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, strings.TrimSpace(d.Content))
	}
	return sb.String()
}
