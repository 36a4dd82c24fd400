// ALICE - locally hosted conversational companion
// License: MIT
//
// Copyright (c) 2026 ALICE contributors

package channels

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/alice/pkg/bus"
	"github.com/dotsetgreg/alice/pkg/config"
	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/retry"
)

// deliveryRetry covers short front end outages (rate limits, gateway
// reconnects) while a reply is in flight.
var deliveryRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	ShouldRetry: func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	},
}

// Status is a front end's state as reported by /healthz.
type Status struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// Manager owns the chat front ends and routes each reply the controller
// publishes back to the conversation it answers.
type Manager struct {
	bus      *bus.MessageBus
	delivery retry.Config

	mu      sync.RWMutex
	fronts  map[string]*frontEnd
	cancel  context.CancelFunc
	routing sync.WaitGroup
}

type frontEnd struct {
	ch Channel

	mu        sync.Mutex
	delivered int64
	failed    int64
	lastErr   string
}

func (f *frontEnd) record(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.failed++
		f.lastErr = err.Error()
		return
	}
	f.delivered++
}

func (f *frontEnd) status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		Name:      f.ch.Name(),
		Running:   f.ch.IsRunning(),
		Delivered: f.delivered,
		Failed:    f.failed,
		LastError: f.lastErr,
	}
}

// NewManager builds the front ends the configuration enables. Without a
// Discord token the manager is empty and serve runs the API alone.
func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		bus:      messageBus,
		delivery: deliveryRetry,
		fronts:   make(map[string]*frontEnd),
	}

	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		logger.InfoC("channels", "Discord token not set; chat front ends disabled")
		return m, nil
	}
	discord, err := NewDiscordChannel(cfg.Channels.Discord, messageBus)
	if err != nil {
		return nil, fmt.Errorf("initialize Discord channel: %w", err)
	}
	m.Register(discord)
	return m, nil
}

// Register adds a front end under its own name, replacing any previous one.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fronts[ch.Name()] = &frontEnd{ch: ch}
	logger.InfoCF("channels", "Front end registered", map[string]any{"channel": ch.Name()})
}

// Enabled lists the registered front ends by name.
func (m *Manager) Enabled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.fronts))
	for name := range m.fronts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.fronts))
	for _, f := range m.fronts {
		out = append(out, f.status())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// StartAll connects every front end and starts routing replies. If one
// fails to connect the others are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fronts) == 0 {
		return nil
	}

	var started []Channel
	for name, f := range m.fronts {
		if err := f.ch.Start(ctx); err != nil {
			for _, ch := range started {
				if stopErr := ch.Stop(ctx); stopErr != nil {
					logger.WarnCF("channels", "Stopping front end after failed start", map[string]any{
						"channel": ch.Name(),
						"error":   stopErr.Error(),
					})
				}
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		started = append(started, f.ch)
	}

	if m.cancel != nil {
		m.cancel()
	}
	routeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.routing.Add(1)
	go func() {
		defer m.routing.Done()
		m.routeReplies(routeCtx)
	}()

	logger.InfoCF("channels", "Front ends started", map[string]any{"count": len(started)})
	return nil
}

// StopAll stops routing, waits for the reply in flight, then disconnects
// every front end.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.routing.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for name, f := range m.fronts {
		if err := f.ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) routeReplies(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	m.mu.RLock()
	f, ok := m.fronts[msg.Channel]
	m.mu.RUnlock()
	if !ok {
		logger.WarnCF("channels", "Reply for unknown front end dropped", map[string]any{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
		})
		return
	}

	err := retry.Do(ctx, m.delivery, func() error { return f.ch.Send(ctx, msg) })
	f.record(err)
	if err != nil {
		logger.ErrorCF("channels", "Reply delivery failed", map[string]any{
			"channel":  msg.Channel,
			"chat_id":  msg.ChatID,
			"reply_to": msg.ReplyTo,
			"error":    err.Error(),
		})
	}
}
