package moderation

import (
	"fmt"

	"github.com/orbitgw/orbit/ai/config"
)

// BuildChain assembles the moderator chain from config, preserving order.
// A disabled moderation section yields an empty, always-allow chain.
func BuildChain(cfg *config.ModerationConfig) (*Chain, error) {
	if !cfg.Enabled {
		return NewChain(nil), nil
	}

	var moderators []Moderator
	for _, mc := range cfg.Moderators {
		switch mc.Type {
		case "guard":
			guard, err := NewGuard(&GuardConfig{
				Keywords: mc.Keywords,
				Markers:  mc.Markers,
				Rules:    mc.Rules,
			})
			if err != nil {
				return nil, err
			}
			moderators = append(moderators, guard)
		case "openai":
			m, err := NewOpenAIModerator(mc.APIKey, mc.BaseURL)
			if err != nil {
				return nil, err
			}
			moderators = append(moderators, m)
		default:
			return nil, fmt.Errorf("unknown moderator type %q", mc.Type)
		}
	}
	return NewChain(moderators), nil
}
