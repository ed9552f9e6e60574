package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/qqgate/cmd/qqgate/internal"
	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/channels"
	"github.com/tinyland-inc/qqgate/pkg/config"
)

// sender is the part of the channel manager the console uses.
type sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

func consoleCmd(channel, target string, private bool, replyTo string) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := onlyChannel(cfg, channel); err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()
	manager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error creating channel manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("error starting %s: %w", channel, err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = manager.StopAll(stopCtx)
	}()

	ref := bus.Reference{
		Source:    bus.Source(channel),
		ChatID:    target,
		Private:   private,
		MessageID: replyTo,
	}
	fmt.Printf("%s Sending to %s %s via %s. Ctrl+D to quit.\n\n", internal.Logo, kind(private), target, channel)
	interactiveMode(ctx, manager, channel, ref)
	return nil
}

// onlyChannel disables every channel except name, and the webhook server,
// so the console never competes with a running gateway for callbacks.
func onlyChannel(cfg *config.Config, name string) error {
	switch name {
	case channels.ChannelQQ:
		if !cfg.Channels.QQ.Enabled {
			return errors.New("qq channel is not enabled in config")
		}
		cfg.Channels.OneBot.Enabled = false
		cfg.Channels.QQ.Mode = config.QQModeWebhook
	case channels.ChannelOneBot:
		if !cfg.Channels.OneBot.Enabled {
			return errors.New("onebot channel is not enabled in config")
		}
		cfg.Channels.QQ.Enabled = false
	default:
		return fmt.Errorf("unknown channel %q", name)
	}
	cfg.Webhook.Enabled = false
	return nil
}

func kind(private bool) string {
	if private {
		return "user"
	}
	return "group"
}

func interactiveMode(ctx context.Context, s sender, channel string, ref bus.Reference) {
	prompt := fmt.Sprintf("%s %s> ", internal.Logo, ref.ChatID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".qqgate_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleMode(ctx, s, channel, ref, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleLine(ctx, s, channel, ref, line) {
			return
		}
	}
}

func simpleMode(ctx context.Context, s sender, channel string, ref bus.Reference, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !handleLine(ctx, s, channel, ref, scanner.Text()) {
			return
		}
	}
}

// handleLine sends one line and reports whether to keep reading.
func handleLine(ctx context.Context, s sender, channel string, ref bus.Reference, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return true
	case "exit", "quit":
		return false
	}

	msg := bus.OutboundMessage{Channel: channel, Ref: ref, Content: input}
	if path, ok := strings.CutPrefix(input, "/image "); ok {
		data, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			fmt.Printf("✗ %v\n", err)
			return true
		}
		msg.Content = ""
		msg.Image = data
		msg.ImageExt = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.Send(sendCtx, msg); err != nil {
		fmt.Printf("✗ %v\n", err)
	} else {
		fmt.Println("✓ sent")
	}
	return true
}
