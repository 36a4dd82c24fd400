package session

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/providers"
)

// buildRequest assembles the generation request for userTurn: the persona
// prompt, the user's current facts and the most recent turns up to and
// including userTurn. Mode markers are left out of the transcript. The
// current turn is always sent, even when it alone exceeds the budget.
func (c *Controller) buildRequest(ctx context.Context, sess memory.Session, mode modes.Mode, userTurn memory.Turn) (providers.Request, []memory.Fact, error) {
	facts, err := c.Facts(ctx, sess.UserID)
	if err != nil {
		return providers.Request{}, nil, err
	}

	budget := c.budget
	budget.UpToSeq = userTurn.Seq

	var msgs []providers.Message
	sawCurrent := false
	for t, err := range c.store.RecentTurns(ctx, sess.ID, budget) {
		if err != nil {
			return providers.Request{}, nil, fmt.Errorf("recent turns: %w", err)
		}
		if t.Seq == userTurn.Seq {
			sawCurrent = true
		}
		if t.IsMarker() {
			continue
		}
		msgs = append(msgs, providers.Message{Role: roleFor(t.Speaker), Content: t.Text})
	}
	if !sawCurrent {
		msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: userTurn.Text})
	}

	known := make([]providers.KnownFact, 0, len(facts))
	for _, f := range facts {
		known = append(known, providers.KnownFact{Key: f.Key, Value: f.Value})
	}

	return providers.Request{
		Mode:         mode.Name,
		SystemPrompt: modes.SystemPrompt(mode),
		Messages:     msgs,
		Facts:        known,
		Params:       mode.Params,
	}, facts, nil
}

func roleFor(s memory.Speaker) string {
	switch s {
	case memory.SpeakerAssistant:
		return providers.RoleAssistant
	case memory.SpeakerSystem:
		return providers.RoleSystem
	default:
		return providers.RoleUser
	}
}
