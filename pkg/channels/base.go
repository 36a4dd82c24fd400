// Package channels connects chat front ends to the message bus.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/alice/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed checks senderID against the allow list. Compound ids such as
// "123456|username" match on either part. An empty list allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an allowed inbound message to the bus.
func (c *BaseChannel) HandleMessage(senderID, senderName, chatID, content string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		Content:    content,
		Metadata:   metadata,
	})
	return true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
