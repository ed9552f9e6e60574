package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/config"
	"github.com/tinyland-inc/qqgate/pkg/dedup"
	"github.com/tinyland-inc/qqgate/pkg/delivery"
	"github.com/tinyland-inc/qqgate/pkg/logger"
)

// Manager owns the enabled channels, the shared dedup store and the outbound
// dispatch loop.
type Manager struct {
	bus      *bus.MessageBus
	channels map[string]Channel
	store    dedup.Store
	cache    *dedup.Cache
	sweep    time.Duration

	mu     sync.RWMutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *config.Config, msgBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
		sweep:    time.Duration(cfg.Dedup.SweepInterval) * time.Second,
	}

	ttl := time.Duration(cfg.Dedup.TTL) * time.Second
	if cfg.Dedup.RedisURL != "" {
		rs, err := dedup.NewRedisStore(cfg.Dedup.RedisURL, ttl)
		if err != nil {
			return nil, fmt.Errorf("dedup redis: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = rs.Ping(ctx)
		cancel()
		if err == nil {
			m.store = rs
		} else {
			logger.WarnCF("channels", "Redis dedup store unreachable, using in-memory cache", map[string]any{
				"error": err.Error(),
			})
			_ = rs.Close()
		}
	}
	if m.store == nil {
		m.cache = dedup.NewCache(ttl, dedup.WithMaxEntries(cfg.Dedup.MaxEntries))
		m.store = m.cache
	}

	var host delivery.ImageHost
	if cfg.Media.ImageHostURL != "" {
		host = delivery.NewHTTPImageHost(delivery.HTTPImageHostConfig{
			URL:         cfg.Media.ImageHostURL,
			Token:       cfg.Media.ImageHostToken,
			FormField:   cfg.Media.FormField,
			ResponseURL: cfg.Media.ResponseURL,
			Timeout:     time.Duration(cfg.Media.Timeout) * time.Second,
		})
	}

	if cfg.Channels.QQ.Enabled {
		qq, err := NewQQChannel(cfg, msgBus, m.store, host)
		if err != nil {
			return nil, fmt.Errorf("qq channel: %w", err)
		}
		m.channels[ChannelQQ] = qq
	}
	if cfg.Channels.OneBot.Enabled {
		m.channels[ChannelOneBot] = NewOneBotChannel(cfg, msgBus)
	}
	return m, nil
}

// RegisterChannel adds or replaces a channel. Call before StartAll.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	m.channels[name] = ch
	m.mu.Unlock()
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]any, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]any{"running": ch.IsRunning()}
	}
	return status
}

// StartAll starts every channel, the dedup sweeper and the outbound loop. A
// channel that fails to start is logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return errors.New("no channels enabled")
	}

	ctx, m.cancel = context.WithCancel(ctx)

	if m.cache != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.cache.Run(ctx, m.sweep)
		}()
	}

	started := 0
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Channel failed to start", map[string]any{"channel": name, "error": err.Error()})
			continue
		}
		started++
	}
	if started == 0 {
		m.cancel()
		return errors.New("no channel started")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchOutbound(ctx)
	}()
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	var errs []error
	for name, ch := range m.channels {
		if !ch.IsRunning() {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	m.mu.RUnlock()

	m.wg.Wait()
	if rs, ok := m.store.(*dedup.RedisStore); ok {
		if err := rs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dedup redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Send routes one outbound message by channel name, falling back to the
// reference's source.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	name := msg.Channel
	if name == "" {
		name = string(msg.Ref.Source)
	}
	ch, ok := m.GetChannel(name)
	if !ok {
		return fmt.Errorf("channel %q not enabled", name)
	}
	return ch.Send(ctx, msg)
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if err := m.Send(ctx, msg); err != nil {
			logger.WarnCF("channels", "Outbound send failed", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.Ref.ChatID,
				"error":   err.Error(),
			})
		}
	}
}
