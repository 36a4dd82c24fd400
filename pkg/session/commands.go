package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
)

const helpText = `Commands:
/help                    show this help
/mode [name]             show or switch the conversation mode
/modes                   list available modes
/status                  show session status
/memory                  show what ALICE remembers about you
/facts                   list remembered facts
/remember <key>=<value>  store a fact about you
/gaming                  pause generation; messages are queued
/resume                  answer queued messages and resume
/close                   archive this session`

func (c *Controller) handleCommand(ctx context.Context, sessionID, text string) (Reply, error) {
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	reply := Reply{SessionID: sessionID, Command: cmd}

	switch cmd {
	case "/help":
		reply.Text = helpText
		return reply, nil

	case "/modes":
		reply.Text = c.describeModes()
		return reply, nil

	case "/mode":
		if len(args) == 0 {
			sess, err := c.Session(ctx, sessionID)
			if err != nil {
				return reply, err
			}
			m := c.modes.Resolve(sess.Mode)
			reply.Mode = m.Name
			reply.Text = fmt.Sprintf("Current mode: %s (%s)", m.Name, m.DisplayName)
			return reply, nil
		}
		switched, err := c.SwitchMode(ctx, sessionID, args[0])
		if errors.Is(err, modes.ErrModeNotFound) {
			reply.Text = fmt.Sprintf("Unknown mode %q. Available: %s", args[0], strings.Join(c.modes.Names(), ", "))
			return reply, err
		}
		if err != nil {
			return reply, err
		}
		switched.Command = cmd
		return switched, nil

	case "/status":
		sess, err := c.Session(ctx, sessionID)
		if err != nil {
			return reply, err
		}
		queued, err := c.store.ListQueued(ctx, sessionID)
		if err != nil {
			return reply, err
		}
		reply.Mode = sess.Mode
		reply.Text = c.describeStatus(sess, len(queued))
		return reply, nil

	case "/memory", "/facts":
		sess, err := c.Session(ctx, sessionID)
		if err != nil {
			return reply, err
		}
		facts, err := c.Facts(ctx, sess.UserID)
		if err != nil {
			return reply, err
		}
		reply.Mode = sess.Mode
		if cmd == "/facts" {
			reply.Text = describeFacts(facts)
			return reply, nil
		}
		reply.Text = fmt.Sprintf("Session: %d turns (since %s)\n%s",
			sess.TurnCount, sess.CreatedAt.Format("2006-01-02 15:04"), describeFacts(facts))
		return reply, nil

	case "/remember":
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, parts[0])), "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			reply.Text = "Usage: /remember <key>=<value>"
			return reply, nil
		}
		sess, err := c.Session(ctx, sessionID)
		if err != nil {
			return reply, err
		}
		f, err := c.RememberFact(ctx, sess.UserID, key, value)
		if err != nil {
			return reply, err
		}
		reply.Facts = []memory.Fact{f}
		reply.Text = fmt.Sprintf("I'll remember that %s is %s.", strings.ReplaceAll(f.Key, "_", " "), f.Value)
		return reply, nil

	case "/gaming", "/pause":
		if _, err := c.Pause(ctx, sessionID); err != nil {
			return reply, err
		}
		reply.Text = "Generation paused. I'll keep your messages and answer them when you /resume."
		return reply, nil

	case "/resume":
		replies, err := c.Resume(ctx, sessionID)
		if err != nil {
			return reply, err
		}
		if len(replies) == 0 {
			reply.Text = "Resumed. Nothing was waiting."
			return reply, nil
		}
		lines := make([]string, 0, len(replies)+1)
		lines = append(lines, fmt.Sprintf("Resumed. Answering %d queued message(s):", len(replies)))
		for _, r := range replies {
			lines = append(lines, fmt.Sprintf("> %s\n%s", r.UserTurn.Text, r.Text))
			reply.Facts = append(reply.Facts, r.Facts...)
		}
		reply.Text = strings.Join(lines, "\n")
		reply.Turn = replies[len(replies)-1].Turn
		return reply, nil

	case "/close":
		if _, err := c.Close(ctx, sessionID); err != nil {
			return reply, err
		}
		reply.Closed = true
		reply.Text = "Session closed. Goodbye!"
		return reply, nil
	}

	reply.Text = fmt.Sprintf("Unknown command %s. Type /help for the list.", cmd)
	return reply, nil
}

func (c *Controller) describeModes() string {
	lines := []string{"Available modes:"}
	def := c.modes.Default().Name
	for _, m := range c.modes.List() {
		marker := ""
		if m.Name == def {
			marker = " (default)"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s%s", m.Name, m.DisplayName, marker))
	}
	return strings.Join(lines, "\n")
}

func (c *Controller) describeStatus(sess memory.Session, queued int) string {
	state := string(sess.State)
	if sess.Paused {
		state += ", " + ErrSessionPaused.Error()
	}
	lines := []string{
		fmt.Sprintf("Session %s", sess.ID),
		fmt.Sprintf("- Mode: %s", sess.Mode),
		fmt.Sprintf("- State: %s", state),
		fmt.Sprintf("- Turns: %d", sess.TurnCount),
		fmt.Sprintf("- Generator: %s", c.gen.Name()),
	}
	if queued > 0 {
		lines = append(lines, fmt.Sprintf("- Queued: %d", queued))
	}
	if sess.ParentID != "" {
		lines = append(lines, fmt.Sprintf("- Continues: %s", sess.ParentID))
	}
	return strings.Join(lines, "\n")
}

func describeFacts(facts []memory.Fact) string {
	if len(facts) == 0 {
		return "I don't know anything about you yet."
	}
	lines := make([]string, 0, len(facts)+1)
	lines = append(lines, "What I know about you:")
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("- %s: %s (%s)", f.Key, f.Value, f.Source))
	}
	return strings.Join(lines, "\n")
}
