package channels

import (
	"context"
	"time"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/config"
	"github.com/tinyland-inc/qqgate/pkg/delivery"
	"github.com/tinyland-inc/qqgate/pkg/logger"
	"github.com/tinyland-inc/qqgate/pkg/onebot"
)

const ChannelOneBot = "onebot"

// OneBotChannel bridges a local OneBot v11 implementation.
type OneBotChannel struct {
	*BaseChannel
	client    *onebot.Client
	responder *onebot.Responder
	delivery  *delivery.Service
}

func NewOneBotChannel(cfg *config.Config, msgBus *bus.MessageBus) *OneBotChannel {
	ob := cfg.Channels.OneBot
	c := &OneBotChannel{
		BaseChannel: NewBaseChannel(ChannelOneBot, msgBus, ob.AllowFrom),
	}
	c.client = onebot.NewClient(onebot.Config{
		URL:               ob.WSUrl,
		AccessToken:       ob.AccessToken,
		ReconnectInterval: time.Duration(ob.ReconnectInterval) * time.Second,
		ActionTimeout:     time.Duration(ob.ActionTimeout) * time.Second,
	})
	c.responder = onebot.NewResponder(c.client, onebot.ResponderConfig{
		ApproveFriends: ob.AutoApproveFriends,
		ApproveInvites: ob.AutoApproveInvites,
		WelcomeMessage: ob.WelcomeMessage,
	})
	c.delivery = delivery.New(nil, c.client, nil, delivery.Options{
		MaxSeq:        cfg.Delivery.MaxSeq,
		CounterLimit:  cfg.Delivery.CounterLimit,
		ActionTimeout: time.Duration(ob.ActionTimeout) * time.Second,
	})

	c.client.OnMessage(c.HandleEvent)
	c.client.OnRaw(c.handleRaw)
	return c
}

func (c *OneBotChannel) handleRaw(ctx context.Context, evt bus.RawEvent) {
	c.responder.Handle(ctx, evt)
	c.HandleRaw(ctx, evt)
}

func (c *OneBotChannel) Start(ctx context.Context) error {
	if err := c.client.Start(ctx); err != nil {
		return err
	}
	c.SetRunning(true)
	logger.InfoCF(ChannelOneBot, "OneBot channel started", map[string]any{"url": c.client.URL()})
	return nil
}

func (c *OneBotChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.client.Stop(ctx)
}

func (c *OneBotChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	msg.Ref.Source = bus.SourceOneBot
	return c.delivery.Send(ctx, msg)
}
