package qqbot

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tencent-connect/botgo/dto"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/qqgate/pkg/logger"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 5 * time.Second

	invalidSessionEscalation = 5
	invalidBackoffMin        = 1200 * time.Millisecond
	invalidBackoffMax        = 3500 * time.Millisecond
)

type GatewayConfig struct {
	Intents        int
	ShardID        int
	ShardCount     int
	ReconnectDelay time.Duration
	// WebhookOnly runs the token machinery without opening the socket.
	WebhookOnly bool
	// URL skips gateway discovery when set.
	URL string
}

// URLResolver discovers the WebSocket endpoint. API implements it.
type URLResolver interface {
	GatewayURL(ctx context.Context) (string, error)
}

// Gateway is the persistent QQ gateway session.
type Gateway struct {
	cfg    GatewayConfig
	tokens *TokenManager
	urls   URLResolver
	router *Router
	dialer websocket.Dialer

	mu       sync.Mutex
	state    State
	session  Session
	hbCancel context.CancelFunc
	lastAck  time.Time

	// cancels the pending invalid-session recovery
	reidentify context.CancelFunc

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// overridable in tests
	send       func(v any) error
	backoff    func() time.Duration
	sleep      func(ctx context.Context, d time.Duration) bool
	onEscalate func(count int)

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewGateway(cfg GatewayConfig, tokens *TokenManager, urls URLResolver, router *Router) *Gateway {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	g := &Gateway{
		cfg:    cfg,
		tokens: tokens,
		urls:   urls,
		router: router,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		session: Session{
			ShardID:           cfg.ShardID,
			ShardCount:        cfg.ShardCount,
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		backoff:    invalidSessionBackoff,
		sleep:      sleepCtx,
		onEscalate: logEscalation,
	}
	g.send = g.writeJSON
	tokens.OnRefresh(g.adoptToken)
	return g
}

func invalidSessionBackoff() time.Duration {
	span := int64(invalidBackoffMax - invalidBackoffMin)
	return invalidBackoffMin + time.Duration(rand.Int64N(span+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func logEscalation(count int) {
	logger.ErrorCF("qqbot", "Gateway keeps invalidating the session; check that webhook delivery is not enabled for this bot, that the intents match the bot's permissions, and that the app is authorized for gateway access", map[string]any{
		"consecutive_invalid_sessions": count,
	})
}

// adoptToken replaces the session wholesale with the refreshed credentials.
func (g *Gateway) adoptToken(tok *oauth2.Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.session
	next.Token = tok.AccessToken
	next.Expiry = tok.Expiry
	g.session = next
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns a copy of the current session.
func (g *Gateway) Session() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.session
	if s.LastSeq != nil {
		seq := *s.LastSeq
		s.LastSeq = &seq
	}
	return s
}

func (g *Gateway) IsRunning() bool { return g.running.Load() }

// Start begins the token refresh loop and, unless webhook-only, the
// connection loop. It fails when no intents are configured.
func (g *Gateway) Start(ctx context.Context) error {
	if g.cfg.Intents <= 0 {
		return ErrIntentsRequired
	}
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway already running")
	}
	ctx, g.cancel = context.WithCancel(ctx)

	if _, err := g.tokens.Refresh(ctx); err != nil {
		logger.WarnCF("qqbot", "Initial access token fetch failed, retrying in background", map[string]any{"error": err.Error()})
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.tokens.Run(ctx)
	}()

	if g.cfg.WebhookOnly {
		logger.InfoC("qqbot", "Gateway running in webhook-only mode")
		return nil
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(ctx)
	}()
	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}
	g.cancel()
	g.stopHeartbeat()

	g.connMu.Lock()
	if g.conn != nil {
		g.conn.Close()
	}
	g.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) run(ctx context.Context) {
	for {
		if err := g.connect(ctx); err != nil && ctx.Err() == nil {
			logger.WarnCF("qqbot", "Gateway connection ended", map[string]any{
				"error": err.Error(),
				"retry": g.cfg.ReconnectDelay.String(),
			})
		}
		if !g.sleep(ctx, g.cfg.ReconnectDelay) {
			return
		}
	}
}

func (g *Gateway) connect(ctx context.Context) error {
	url := g.cfg.URL
	if url == "" {
		var err error
		if url, err = g.urls.GatewayURL(ctx); err != nil {
			return fmt.Errorf("discover gateway: %w", err)
		}
	}

	conn, resp, err := g.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	connID := uuid.NewString()
	g.connMu.Lock()
	g.conn = conn
	g.connMu.Unlock()
	g.setState(StateAwaitingHello)
	logger.InfoCF("qqbot", "Gateway connected", map[string]any{"conn_id": connID})

	defer func() {
		g.stopHeartbeat()
		g.connMu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.connMu.Unlock()
		conn.Close()
		g.setState(StateDisconnected)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		g.handleFrame(ctx, data)
	}
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gateway) writeJSON(v any) error {
	g.connMu.Lock()
	conn := g.conn
	g.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// handleFrame applies one frame to the session state machine. Sequence
// tracking and op handling happen inline; message dispatch runs on its own
// goroutine so slow handlers never stall the read loop.
func (g *Gateway) handleFrame(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.WarnCF("qqbot", "Dropping unparseable gateway frame", map[string]any{"error": err.Error()})
		return
	}
	if f.Seq != nil {
		seq := *f.Seq
		g.mu.Lock()
		g.session.LastSeq = &seq
		g.mu.Unlock()
	}

	switch f.Op {
	case dto.WSHello:
		g.handleHello(ctx, f)
	case dto.WSDispatchEvent:
		g.handleDispatch(ctx, f)
	case dto.WSHeartbeatAck:
		g.mu.Lock()
		g.lastAck = time.Now()
		g.mu.Unlock()
		logger.DebugC("qqbot", "Heartbeat acknowledged")
	case dto.WSReconnect:
		logger.InfoC("qqbot", "Gateway requested reconnect")
	case dto.WSInvalidSession:
		g.handleInvalidSession(ctx)
	default:
		logger.DebugCF("qqbot", "Unhandled gateway op", map[string]any{"op": int(f.Op)})
	}
}

func (g *Gateway) handleHello(ctx context.Context, f Frame) {
	var hello dto.WSHelloData
	if len(f.Data) > 0 {
		_ = json.Unmarshal(f.Data, &hello)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	g.mu.Lock()
	g.session.HeartbeatInterval = interval
	g.state = StateIdentifying
	g.mu.Unlock()

	if err := g.identify(); err != nil {
		logger.WarnCF("qqbot", "Identify failed", map[string]any{"error": err.Error()})
	}
	g.startHeartbeat(ctx, interval)
}

func (g *Gateway) identify() error {
	g.mu.Lock()
	sess := g.session
	g.mu.Unlock()

	token := sess.Token
	if token == "" {
		tok, err := g.tokens.Token()
		if err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		token = tok.AccessToken
	}

	data := dto.WSIdentityData{
		Token:   TokenType + " " + token,
		Intents: dto.Intent(g.cfg.Intents),
		Shard:   []uint32{uint32(sess.ShardID), uint32(sess.ShardCount)},
	}
	data.Properties.Os = runtime.GOOS
	data.Properties.Browser = "qqgate"
	data.Properties.Device = "qqgate"

	logger.DebugCF("qqbot", "Sending identify", map[string]any{"intents": g.cfg.Intents, "shard": data.Shard})
	return g.send(outFrame{Op: dto.WSIdentity, D: data})
}

func (g *Gateway) startHeartbeat(ctx context.Context, interval time.Duration) {
	hbCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	if g.hbCancel != nil {
		g.hbCancel()
	}
	g.hbCancel = cancel
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := g.sendHeartbeat(); err != nil {
					logger.DebugCF("qqbot", "Heartbeat send failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
}

func (g *Gateway) stopHeartbeat() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hbCancel != nil {
		g.hbCancel()
		g.hbCancel = nil
	}
}

func (g *Gateway) sendHeartbeat() error {
	g.mu.Lock()
	seq := g.session.seq()
	g.mu.Unlock()
	return g.send(outFrame{Op: dto.WSHeartbeat, D: seq})
}

func (g *Gateway) handleInvalidSession(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.session.InvalidCount++
	count := g.session.InvalidCount
	g.state = StateIdentifying
	if g.reidentify != nil {
		g.reidentify()
	}
	g.reidentify = cancel
	g.mu.Unlock()

	logger.WarnCF("qqbot", "Gateway invalidated the session", map[string]any{"consecutive": count})
	if count == invalidSessionEscalation {
		g.onEscalate(count)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		if !g.sleep(rctx, g.backoff()) {
			return
		}
		if _, err := g.tokens.Refresh(rctx); err != nil {
			if rctx.Err() != nil {
				return
			}
			logger.WarnCF("qqbot", "Token refresh after invalid session failed", map[string]any{"error": err.Error()})
		}
		if rctx.Err() != nil {
			return
		}
		if err := g.identify(); err != nil {
			logger.WarnCF("qqbot", "Re-identify failed", map[string]any{"error": err.Error()})
		}
	}()
}

func (g *Gateway) handleDispatch(ctx context.Context, f Frame) {
	switch f.Type {
	case EventReady:
		var ready readyData
		_ = json.Unmarshal(f.Data, &ready)
		g.mu.Lock()
		g.session.InvalidCount = 0
		g.session.SessionID = ready.SessionID
		g.state = StateEstablished
		g.mu.Unlock()
		if ready.User.ID != "" {
			g.router.SetSelfID(ready.User.ID)
		}
		logger.InfoCF("qqbot", "Gateway session ready", map[string]any{
			"session_id": ready.SessionID,
			"bot":        ready.User.Username,
		})
		return
	case EventResumed:
		g.setState(StateEstablished)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCF("qqbot", "Dispatch handler panicked", map[string]any{"type": f.Type, "panic": fmt.Sprint(r)})
			}
		}()
		g.router.Dispatch(ctx, f)
	}()
}
