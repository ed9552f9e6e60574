package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal"
	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/channels"
	"github.com/tinyland-inc/qqgate/pkg/logger"
)

func gatewayCmd(debug, echo bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	msgBus := bus.NewMessageBus()
	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error creating channel manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) == 0 {
		fmt.Println("⚠ Warning: No channels enabled")
		return nil
	}
	fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabledChannels, ", "))

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("error starting channels: %w", err)
	}
	if cfg.Webhook.Enabled {
		printWebhookStatus(channelManager, cfg.Webhook.Path)
	}

	go consumeInbound(ctx, msgBus, echo)
	go consumeRaw(ctx, msgBus)
	if echo {
		fmt.Println("✓ Echo responder enabled")
	}
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := channelManager.StopAll(stopCtx); err != nil {
		logger.WarnCF("gateway", "Channels did not stop cleanly", map[string]any{"error": err.Error()})
	}
	msgBus.Close()
	fmt.Println("✓ Gateway stopped")
	return nil
}

// consumeInbound drains normalized events. Without a downstream consumer
// they are logged; with echo each one is answered with its own text.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, echo bool) {
	for {
		evt, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		logger.InfoCF("gateway", "Inbound message", map[string]any{
			"source":     string(evt.Source),
			"chat_id":    evt.ChatID(),
			"author_id":  evt.AuthorID,
			"message_id": evt.MessageID,
			"content":    evt.Content,
			"image_url":  evt.ImageURL,
		})
		if reply, ok := echoReply(evt); echo && ok {
			if err := msgBus.PublishOutbound(ctx, reply); err != nil {
				return
			}
		}
	}
}

func echoReply(evt bus.InboundEvent) (bus.OutboundMessage, bool) {
	content := strings.TrimSpace(evt.Content)
	if content == "" {
		return bus.OutboundMessage{}, false
	}
	return bus.OutboundMessage{
		Channel: string(evt.Source),
		Ref:     evt.Reference(),
		Content: content,
	}, true
}

func consumeRaw(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		evt, ok := msgBus.ConsumeRaw(ctx)
		if !ok {
			return
		}
		logger.DebugCF("gateway", "Raw bridge event", map[string]any{
			"post_type": evt.PostType,
			"kind":      evt.Kind,
			"sub_type":  evt.SubType,
		})
	}
}

func printWebhookStatus(m *channels.Manager, path string) {
	ch, _ := m.GetChannel(channels.ChannelQQ)
	qq, ok := ch.(*channels.QQChannel)
	if !ok || !qq.IsRunning() || qq.Webhook() == nil {
		fmt.Println("⚠ Webhook not started, see log")
		return
	}
	fmt.Printf("✓ Webhook listening on %s%s\n", qq.Webhook().Addr(), path)
}
