package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		closed:   make(chan struct{}),
	}
}

// PublishInbound blocks while the buffer is full so publish order is kept.
// It returns false if the bus is closed or ctx ends first.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	select {
	case <-mb.closed:
		return false
	default:
	}
	select {
	case mb.inbound <- msg:
		return true
	case <-mb.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.closed:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	select {
	case <-mb.closed:
		return false
	default:
	}
	select {
	case mb.outbound <- msg:
		return true
	case <-mb.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.closed:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.closed)
	})
}
