// Package channels wires the protocol clients into bus-facing channels and
// runs them under one manager.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/logger"
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

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       msgBus,
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

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed matches senderID against the allow list. Entries may carry a
// leading "@"; "group:<id>" entries are matched by HandleEvent against the
// conversation instead. An empty list allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if strings.TrimPrefix(allowed, "@") == senderID {
			return true
		}
	}
	return false
}

func (c *BaseChannel) groupAllowed(groupID string) bool {
	if groupID == "" {
		return false
	}
	for _, allowed := range c.allowList {
		if id, ok := strings.CutPrefix(allowed, "group:"); ok && id == groupID {
			return true
		}
	}
	return false
}

// HandleEvent publishes an inbound event when its author or group is allowed.
func (c *BaseChannel) HandleEvent(ctx context.Context, evt bus.InboundEvent) {
	if !c.IsAllowed(evt.AuthorID) && !c.groupAllowed(evt.GroupID) {
		logger.DebugCF(c.name, "Dropping message from sender outside allow list", map[string]any{
			"author_id": evt.AuthorID,
			"group_id":  evt.GroupID,
		})
		return
	}
	if evt.Metadata == nil {
		evt.Metadata = map[string]string{}
	}
	evt.Metadata["channel"] = c.name

	if err := c.bus.PublishInbound(ctx, evt); err != nil {
		logger.WarnCF(c.name, "Failed to publish inbound event", map[string]any{"error": err.Error()})
	}
}

// HandleRaw publishes a raw bridge event.
func (c *BaseChannel) HandleRaw(ctx context.Context, evt bus.RawEvent) {
	if err := c.bus.PublishRaw(ctx, evt); err != nil {
		logger.WarnCF(c.name, "Failed to publish raw event", map[string]any{"error": err.Error()})
	}
}
