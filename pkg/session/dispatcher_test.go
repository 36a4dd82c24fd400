package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/alice/pkg/bus"
	"github.com/dotsetgreg/alice/pkg/memory"
)

func TestIdentity(t *testing.T) {
	id := Identity{Channel: "Discord", ConversationID: "chan-1", ActorID: "42|Sam"}
	require.NoError(t, id.Validate())
	assert.Equal(t, "discord:42", id.UserID())
	assert.Equal(t, "Sam", id.DisplayName())
	assert.Equal(t, id.RootSessionID(), Identity{Channel: "discord", ConversationID: "chan-1", ActorID: "42"}.RootSessionID())
	assert.NotEqual(t, id.RootSessionID(), Identity{Channel: "discord", ConversationID: "chan-2", ActorID: "42"}.RootSessionID())

	assert.Error(t, Identity{Channel: "discord", ConversationID: "c"}.Validate())
}

func TestDispatcher_ConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &scriptedGen{})
	d := NewDispatcher(env.ctrl, bus.NewMessageBus(4))

	msg := bus.InboundMessage{Channel: "discord", SenderID: "42|Sam", ChatID: "chan-1", Content: "hello"}
	first := d.Handle(ctx, msg)
	assert.Contains(t, first, "I'm ALICE in Assistant mode")
	assert.Contains(t, first, "re: hello")

	id := Identity{Channel: "discord", ConversationID: "chan-1", ActorID: "42"}
	root, err := env.ctrl.Session(ctx, id.RootSessionID())
	require.NoError(t, err)
	assert.Equal(t, "discord:42", root.UserID)
	user, err := env.store.GetUser(ctx, "discord:42")
	require.NoError(t, err)
	assert.Equal(t, "Sam", user.DisplayName)

	msg.Content = "again"
	assert.Equal(t, "re: again", d.Handle(ctx, msg))

	msg.Content = "/close"
	assert.Contains(t, d.Handle(ctx, msg), "Session closed")

	msg.Content = "are you back?"
	reopened := d.Handle(ctx, msg)
	assert.Contains(t, reopened, "re: are you back?")

	sessions, err := env.ctrl.ListSessions(ctx, "discord:42")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	var child memory.Session
	for _, s := range sessions {
		if s.ID != root.ID {
			child = s
		}
	}
	assert.Equal(t, root.ID, child.ParentID)

	// A fresh dispatcher (restart) finds the child through the parent chain.
	restarted := NewDispatcher(env.ctrl, bus.NewMessageBus(4))
	msg.Content = "still here"
	assert.Equal(t, "re: still here", restarted.Handle(ctx, msg))
	turns := env.history(t, child.ID)
	assert.Len(t, turns, 4)
}

func TestDispatcher_RunPublishesReplies(t *testing.T) {
	env := newTestEnv(t, &scriptedGen{})
	mb := bus.NewMessageBus(4)
	d := NewDispatcher(env.ctrl, mb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	mb.PublishInbound(bus.InboundMessage{
		Channel:  "discord",
		SenderID: "7",
		ChatID:   "c9",
		Content:  "/help",
		Metadata: map[string]string{"message_id": "m1"},
	})
	out, ok := mb.SubscribeOutbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "discord", out.Channel)
	assert.Equal(t, "c9", out.ChatID)
	assert.Equal(t, "m1", out.ReplyTo)
	assert.Contains(t, out.Content, "Commands:")

	cancel()
	require.NoError(t, <-done)
}
