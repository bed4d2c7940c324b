// Package moderation screens user input before retrieval and model output
// before the client sees it. Moderators run as an ordered chain that stops
// at the first block.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Direction marks which side of the pipeline is being screened.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Result is one moderator's verdict.
type Result struct {
	Blocked   bool
	Category  string
	Moderator string
}

// Moderator is a single content checker.
type Moderator interface {
	Name() string
	Check(ctx context.Context, text string, direction Direction) (*Result, error)
}

// Chain runs moderators in order and stops at the first block. A moderator
// error fails closed: the text is treated as blocked rather than waved
// through unscreened.
type Chain struct {
	moderators []Moderator
	timeout    time.Duration
}

// NewChain builds a chain. A nil or empty moderator list yields a chain
// that allows everything.
func NewChain(moderators []Moderator) *Chain {
	return &Chain{moderators: moderators, timeout: 5 * time.Second}
}

// Check screens text. The returned result names the moderator that blocked,
// or reports allowed when the whole chain passes.
func (c *Chain) Check(ctx context.Context, text string, direction Direction) (*Result, error) {
	if len(c.moderators) == 0 {
		return &Result{Blocked: false}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for _, m := range c.moderators {
		result, err := m.Check(ctx, text, direction)
		if err != nil {
			slog.Warn("moderation: checker failed, failing closed",
				"moderator", m.Name(),
				"direction", direction,
				"error", err,
			)
			return &Result{Blocked: true, Category: "moderation_error", Moderator: m.Name()},
				fmt.Errorf("moderator %s failed: %w", m.Name(), err)
		}
		if result.Blocked {
			result.Moderator = m.Name()
			slog.Info("moderation: blocked",
				"moderator", m.Name(),
				"direction", direction,
				"category", result.Category,
			)
			return result, nil
		}
	}
	return &Result{Blocked: false}, nil
}

// Enabled reports whether the chain has any moderators.
func (c *Chain) Enabled() bool {
	return len(c.moderators) > 0
}
