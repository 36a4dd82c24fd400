package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotsetgreg/alice/pkg/bus"
	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/providers"
)

// Dispatcher feeds bus messages from chat front ends into the controller and
// publishes the replies. Each (channel, chat, sender) triple is one
// conversation; when its session is archived the conversation continues in
// a reopened child session.
type Dispatcher struct {
	ctrl *Controller
	bus  *bus.MessageBus

	mu    sync.Mutex
	bound map[string]string // canonical identity -> current session id
}

func NewDispatcher(ctrl *Controller, msgBus *bus.MessageBus) *Dispatcher {
	return &Dispatcher{
		ctrl:  ctrl,
		bus:   msgBus,
		bound: make(map[string]string),
	}
}

// Run consumes inbound messages until ctx ends or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.InfoC("dispatcher", "Dispatcher started")
	defer logger.InfoC("dispatcher", "Dispatcher stopped")
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		response := d.Handle(ctx, msg)
		if response == "" {
			continue
		}
		d.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: response,
			ReplyTo: msg.Metadata["message_id"],
		})
	}
}

// Handle processes one inbound message and returns the text to send back.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.InboundMessage) string {
	id := Identity{Channel: msg.Channel, ConversationID: msg.ChatID, ActorID: msg.SenderID}
	if msg.SenderName != "" && id.DisplayName() == "" {
		id.ActorID = id.actor() + "|" + msg.SenderName
	}
	logger.InfoCF("dispatcher", "Processing message", map[string]interface{}{
		"channel":   msg.Channel,
		"chat_id":   msg.ChatID,
		"sender_id": msg.SenderID,
	})

	sess, started, err := d.resolve(ctx, id)
	if err != nil {
		logger.ErrorCF("dispatcher", "Resolve session failed", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		return "Sorry, I couldn't open a conversation for you right now."
	}

	reply, err := d.ctrl.Send(ctx, sess.ID, msg.Content)
	if errors.Is(err, ErrSessionArchived) {
		// Archived between resolve and send; the next message reopens it.
		return "This conversation was archived. Send your message again to continue in a new session."
	}
	if err != nil {
		return userFacingError(err, reply.Text)
	}
	if reply.Closed {
		d.forget(id)
	}

	text := reply.Text
	if reply.Queued {
		text = "Queued. I'll answer once generation is resumed."
	}
	if started {
		if greeting := d.ctrl.Greeting(sess); greeting != "" {
			text = greeting + "\n\n" + text
		}
	}
	return text
}

// resolve finds the open session for id, creating the root session on first
// contact and reopening the newest archived one otherwise.
func (d *Dispatcher) resolve(ctx context.Context, id Identity) (memory.Session, bool, error) {
	if err := id.Validate(); err != nil {
		return memory.Session{}, false, fmt.Errorf("resolve session identity: %w", err)
	}
	key := id.Canonical()

	d.mu.Lock()
	defer d.mu.Unlock()

	sessionID, ok := d.bound[key]
	if !ok {
		sessionID = id.RootSessionID()
	}
	for {
		sess, err := d.ctrl.Session(ctx, sessionID)
		if errors.Is(err, memory.ErrUnknownSession) {
			sess, err = d.ctrl.StartSession(ctx, id.UserID(), "", WithSessionID(sessionID), WithDisplayName(id.DisplayName()))
			if err != nil {
				return memory.Session{}, false, err
			}
			d.bound[key] = sess.ID
			return sess, true, nil
		}
		if err != nil {
			return memory.Session{}, false, err
		}
		if sess.State != memory.SessionArchived {
			d.bound[key] = sess.ID
			return sess, false, nil
		}

		child, found, err := d.latestChild(ctx, sess)
		if err != nil {
			return memory.Session{}, false, err
		}
		if found {
			sessionID = child.ID
			continue
		}
		next, err := d.ctrl.Reopen(ctx, sess.ID)
		if err != nil {
			return memory.Session{}, false, err
		}
		d.bound[key] = next.ID
		return next, true, nil
	}
}

func (d *Dispatcher) latestChild(ctx context.Context, parent memory.Session) (memory.Session, bool, error) {
	sessions, err := d.ctrl.ListSessions(ctx, parent.UserID)
	if err != nil {
		return memory.Session{}, false, err
	}
	var child memory.Session
	found := false
	for _, s := range sessions {
		if s.ParentID != parent.ID {
			continue
		}
		if !found || s.CreatedAt.After(child.CreatedAt) {
			child, found = s, true
		}
	}
	return child, found, nil
}

func (d *Dispatcher) forget(id Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bound, id.Canonical())
}

func userFacingError(err error, text string) string {
	switch {
	case errors.Is(err, providers.ErrModelUnavailable):
		return "The model is unavailable right now. Your message was saved; try again shortly."
	case errors.Is(err, modes.ErrModeNotFound) && text != "":
		return text
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "That took too long and was cancelled. Your message was saved."
	}
	return fmt.Sprintf("Error processing message: %v", err)
}
