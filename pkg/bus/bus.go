// Package bus decouples chat front ends from the session controller.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBuffer  = 100
	publishTimeout = 100 * time.Millisecond
)

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

// NewMessageBus creates a bus whose queues hold buffer messages each; a
// non-positive buffer uses the default.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
	}
}

// PublishInbound queues msg, waiting briefly when the queue is full. A
// message that still does not fit is dropped and counted.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	if !offer(mb.inbound, msg) {
		mb.dropped.inbound.Add(1)
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return take(ctx, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	if !offer(mb.outbound, msg) {
		mb.dropped.outbound.Add(1)
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return take(ctx, mb.outbound)
}

func offer[T any](ch chan T, msg T) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func take[T any](ctx context.Context, ch chan T) (T, bool) {
	select {
	case msg, ok := <-ch:
		return msg, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}
