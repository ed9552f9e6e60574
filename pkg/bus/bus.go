package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultBuffer = 100

type MessageBus struct {
	inbound  chan InboundEvent
	raw      chan RawEvent
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundEvent, defaultBuffer),
		raw:      make(chan RawEvent, defaultBuffer),
		outbound: make(chan OutboundMessage, defaultBuffer),
		done:     make(chan struct{}),
	}
}

func publish[T any](ctx context.Context, mb *MessageBus, ch chan T, v T) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case ch <- v:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func consume[T any](ctx context.Context, mb *MessageBus, ch chan T) (T, bool) {
	var zero T
	select {
	case v, ok := <-ch:
		return v, ok
	case <-mb.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, evt InboundEvent) error {
	return publish(ctx, mb, mb.inbound, evt)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	return consume(ctx, mb, mb.inbound)
}

func (mb *MessageBus) PublishRaw(ctx context.Context, evt RawEvent) error {
	return publish(ctx, mb, mb.raw, evt)
}

func (mb *MessageBus) ConsumeRaw(ctx context.Context) (RawEvent, bool) {
	return consume(ctx, mb, mb.raw)
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	return publish(ctx, mb, mb.outbound, msg)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, mb, mb.outbound)
}

func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
