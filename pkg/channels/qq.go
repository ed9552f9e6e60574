package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/config"
	"github.com/tinyland-inc/qqgate/pkg/dedup"
	"github.com/tinyland-inc/qqgate/pkg/delivery"
	"github.com/tinyland-inc/qqgate/pkg/logger"
	"github.com/tinyland-inc/qqgate/pkg/qqbot"
	"github.com/tinyland-inc/qqgate/pkg/signature"
	"github.com/tinyland-inc/qqgate/pkg/trustnet"
	"github.com/tinyland-inc/qqgate/pkg/webhook"
)

const ChannelQQ = "qq"

// QQChannel runs the official bot session. Events arrive over the gateway
// socket, the webhook, or both; replies go out through the OpenAPI.
type QQChannel struct {
	*BaseChannel
	tokens   *qqbot.TokenManager
	api      *qqbot.API
	router   *qqbot.Router
	gateway  *qqbot.Gateway
	webhook  *webhook.Service
	delivery *delivery.Service
}

func NewQQChannel(cfg *config.Config, msgBus *bus.MessageBus, store dedup.Store, host delivery.ImageHost) (*QQChannel, error) {
	qq := cfg.Channels.QQ
	c := &QQChannel{
		BaseChannel: NewBaseChannel(ChannelQQ, msgBus, qq.AllowFrom),
	}

	c.tokens = qqbot.NewTokenManager(
		qqbot.Credentials{AppID: qq.AppID, AppSecret: qq.AppSecret},
		qqbot.WithTokenURL(qq.TokenURL),
	)

	base := qq.APIBase
	if base == "" && qq.Sandbox {
		base = qqbot.SandboxAPIBase
	}
	c.api = qqbot.NewAPI(base, c.tokens)
	c.router = qqbot.NewRouter(c.HandleEvent, qqbot.WithMentionNames(qq.MentionNames...))
	c.gateway = qqbot.NewGateway(qqbot.GatewayConfig{
		Intents:        qq.Intents,
		ShardID:        qq.ShardID,
		ShardCount:     qq.ShardCount,
		ReconnectDelay: time.Duration(qq.ReconnectDelay) * time.Second,
		WebhookOnly:    qq.Mode == config.QQModeWebhook,
	}, c.tokens, c.api, c.router)

	if cfg.Webhook.Enabled {
		signer, err := signature.NewSigner(qq.AppSecret)
		if err != nil {
			return nil, fmt.Errorf("webhook signer: %w", err)
		}
		resolver, err := trustnet.NewResolver(cfg.Webhook.TrustForwardedHeaders, cfg.Webhook.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("webhook trusted proxies: %w", err)
		}
		c.webhook = webhook.NewService(webhook.Config{
			Addr:            cfg.Webhook.Addr(),
			Path:            cfg.Webhook.Path,
			VerifySignature: cfg.Webhook.VerifySignature,
		}, signer, store, resolver, c.router)
	}

	c.delivery = delivery.New(c.api, nil, host, delivery.Options{
		MaxSeq:       cfg.Delivery.MaxSeq,
		CounterLimit: cfg.Delivery.CounterLimit,
	})
	return c, nil
}

func (c *QQChannel) Start(ctx context.Context) error {
	if err := c.gateway.Start(ctx); err != nil {
		return err
	}
	if c.webhook != nil {
		if err := c.webhook.Start(ctx); err != nil {
			_ = c.gateway.Stop(ctx)
			return err
		}
	}
	c.SetRunning(true)
	logger.InfoC(ChannelQQ, "QQ channel started")
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	var err error
	if c.webhook != nil {
		err = c.webhook.Stop(ctx)
	}
	if gerr := c.gateway.Stop(ctx); gerr != nil && err == nil {
		err = gerr
	}
	return err
}

func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	msg.Ref.Source = bus.SourceQQ
	return c.delivery.Send(ctx, msg)
}

// Webhook exposes the callback service, nil when disabled.
func (c *QQChannel) Webhook() *webhook.Service { return c.webhook }

func (c *QQChannel) Gateway() *qqbot.Gateway { return c.gateway }
