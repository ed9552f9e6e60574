// Package onebot speaks the OneBot v11 action/event protocol to a local bridge
// process over a single forward WebSocket.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/logger"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultActionTimeout     = 10 * time.Second
	handshakeTimeout         = 10 * time.Second
	writeTimeout             = 10 * time.Second
)

var ErrNotConnected = errors.New("onebot: not connected")

type Config struct {
	URL               string
	AccessToken       string
	ReconnectInterval time.Duration
	ActionTimeout     time.Duration
}

type (
	MessageHandler func(ctx context.Context, evt bus.InboundEvent)
	RawHandler     func(ctx context.Context, evt bus.RawEvent)
)

// Client multiplexes echo-correlated actions and unsolicited events over one
// socket. The socket is redialed after every drop until Stop is called.
type Client struct {
	cfg    Config
	dialer websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan ActionResult
	echoSeq   atomic.Uint64

	selfID    atomic.Int64
	onMessage MessageHandler
	onRaw     RawHandler

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewClient(cfg Config) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		pending: make(map[string]chan ActionResult),
	}
}

// OnMessage registers the handler for normalized group/private messages. Must
// be called before Start.
func (c *Client) OnMessage(h MessageHandler) { c.onMessage = h }

// OnRaw registers the handler for request/notice frames. Must be called before
// Start.
func (c *Client) OnRaw(h RawHandler) { c.onRaw = h }

func (c *Client) URL() string { return c.cfg.URL }

func (c *Client) SelfID() string { return formatID(c.selfID.Load()) }

func (c *Client) IsRunning() bool { return c.running.Load() }

func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("onebot client already running")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
	c.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			logger.WarnCF("onebot", "Bridge dial failed", map[string]any{
				"url":   c.cfg.URL,
				"error": err.Error(),
				"retry": c.cfg.ReconnectInterval.String(),
			})
		} else {
			c.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	logger.InfoCF("onebot", "Bridge connected", map[string]any{"url": c.cfg.URL, "conn_id": connID})

	err := c.readLoop(ctx, conn)

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
	c.failPending()

	if ctx.Err() == nil {
		logger.WarnCF("onebot", "Bridge connection lost", map[string]any{"conn_id": connID, "error": err.Error()})
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(ctx, data)
	}
}

// handleFrame completes a pending action when the frame carries a registered
// echo, otherwise hands the frame to the event handlers on its own goroutine.
func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var head struct {
		Echo json.RawMessage `json:"echo"`
		rawHeader
	}
	if err := json.Unmarshal(data, &head); err != nil {
		logger.DebugCF("onebot", "Dropping unparseable frame", map[string]any{"error": err.Error()})
		return
	}

	if echo := echoString(head.Echo); echo != "" && c.complete(echo, data) {
		return
	}
	if head.SelfID != 0 {
		c.selfID.Store(head.SelfID)
	}

	switch head.PostType {
	case "message":
		var ev messageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.DebugCF("onebot", "Bad message event", map[string]any{"error": err.Error()})
			return
		}
		evt, ok := normalizeMessage(ev)
		if !ok || c.onMessage == nil {
			return
		}
		c.dispatch(func() { c.onMessage(ctx, evt) })
	case "request", "notice":
		if c.onRaw == nil {
			return
		}
		kind := head.RequestType
		if head.PostType == "notice" {
			kind = head.NoticeType
		}
		raw := bus.RawEvent{
			Source:   bus.SourceOneBot,
			PostType: head.PostType,
			Kind:     kind,
			SubType:  head.SubType,
			Payload:  append(json.RawMessage(nil), data...),
		}
		c.dispatch(func() { c.onRaw(ctx, raw) })
	case "meta_event":
		if head.MetaEventType == "lifecycle" {
			logger.InfoCF("onebot", "Bridge lifecycle event", map[string]any{"sub_type": head.SubType, "self_id": head.SelfID})
		}
	}
}

func (c *Client) dispatch(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCF("onebot", "Event handler panicked", map[string]any{"panic": fmt.Sprint(r)})
			}
		}()
		fn()
	}()
}

func echoString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) complete(echo string, data []byte) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[echo]
	if ok {
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}

	var res ActionResult
	if err := json.Unmarshal(data, &res); err != nil {
		res = ActionResult{Status: "failed", RetCode: -1, Message: err.Error()}
	}
	ch <- res
	return true
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
}

// PendingCount reports how many actions are awaiting a reply.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// SendAction issues one action and waits for its reply. It returns (nil,
// false) on timeout, on a dropped socket, or when not connected; absence of a
// result is the caller's failure signal.
func (c *Client) SendAction(ctx context.Context, action string, params any, timeout time.Duration) (*ActionResult, bool) {
	if timeout <= 0 {
		timeout = c.cfg.ActionTimeout
	}
	echo := strconv.FormatUint(c.echoSeq.Add(1), 10)
	ch := make(chan ActionResult, 1)

	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	if err := c.write(actionRequest{Action: action, Params: params, Echo: echo}); err != nil {
		logger.WarnCF("onebot", "Action write failed", map[string]any{"action": action, "error": err.Error()})
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, false
		}
		return &res, true
	case <-timer.C:
		logger.WarnCF("onebot", "Action timed out", map[string]any{"action": action, "echo": echo, "timeout": timeout.String()})
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Client) write(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}
