package onebot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/qqgate/pkg/bus"
)

// fakeBridge is an in-process OneBot implementation.
type fakeBridge struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	reply    func(req map[string]any) any

	mu      sync.Mutex
	conn    *websocket.Conn
	auth    string
	actions chan map[string]any
}

func newFakeBridge(t *testing.T, reply func(req map[string]any) any) *fakeBridge {
	b := &fakeBridge{t: t, reply: reply, actions: make(chan map[string]any, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.auth = r.Header.Get("Authorization")
	b.mu.Unlock()

	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		b.actions <- req
		if req["action"] == "drop" {
			conn.Close()
			return
		}
		if b.reply == nil {
			continue
		}
		if resp := b.reply(req); resp != nil {
			b.push(resp)
		}
	}
}

func (b *fakeBridge) push(v any) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		if b.conn != nil {
			assert.NoError(b.t, b.conn.WriteJSON(v))
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		if time.Now().After(deadline) {
			b.t.Error("bridge has no connection")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func okReply(req map[string]any) any {
	return map[string]any{
		"status":  "ok",
		"retcode": 0,
		"data":    map[string]any{"message_id": 42},
		"echo":    req["echo"],
	}
}

func startClient(t *testing.T, b *fakeBridge, cfg Config) *Client {
	t.Helper()
	cfg.URL = b.URL()
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 20 * time.Millisecond
	}
	return NewClient(cfg)
}

func run(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
}

func TestSendAction_CorrelatesEcho(t *testing.T) {
	b := newFakeBridge(t, okReply)
	c := startClient(t, b, Config{AccessToken: "tok"})
	run(t, c)

	res, ok := c.SendAction(context.Background(), ActionSendGroupMsg, map[string]any{"group_id": 1, "message": "hi"}, time.Second)
	require.True(t, ok)
	assert.True(t, res.OK())
	assert.Equal(t, "42", res.MessageID())

	first := <-b.actions
	assert.Equal(t, ActionSendGroupMsg, first["action"])
	assert.Equal(t, "1", first["echo"])

	_, ok = c.SendAction(context.Background(), ActionGetGroupList, nil, time.Second)
	require.True(t, ok)
	second := <-b.actions
	assert.Equal(t, "2", second["echo"])

	b.mu.Lock()
	assert.Equal(t, "Bearer tok", b.auth)
	b.mu.Unlock()
	assert.Equal(t, 0, c.PendingCount())
}

func TestSendAction_TimeoutReturnsNoResult(t *testing.T) {
	b := newFakeBridge(t, nil)
	c := startClient(t, b, Config{})
	run(t, c)

	start := time.Now()
	res, ok := c.SendAction(context.Background(), ActionSendPrivateMsg, map[string]any{"user_id": 1}, 50*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, res)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.PendingCount())
}

func TestSendAction_NotConnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"})
	res, ok := c.SendAction(context.Background(), ActionGetGroupList, nil, time.Second)
	assert.False(t, ok)
	assert.Nil(t, res)
	assert.Equal(t, 0, c.PendingCount())
}

func TestSendAction_ConnectionDropFailsPending(t *testing.T) {
	b := newFakeBridge(t, nil)
	c := startClient(t, b, Config{ReconnectInterval: time.Hour})
	run(t, c)

	start := time.Now()
	_, ok := c.SendAction(context.Background(), "drop", nil, 5*time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvents_MessageAndRawFanOut(t *testing.T) {
	b := newFakeBridge(t, okReply)
	c := startClient(t, b, Config{})

	messages := make(chan bus.InboundEvent, 4)
	raws := make(chan bus.RawEvent, 4)
	c.OnMessage(func(_ context.Context, evt bus.InboundEvent) { messages <- evt })
	c.OnRaw(func(_ context.Context, evt bus.RawEvent) { raws <- evt })
	run(t, c)

	b.push(map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"message_id":   1001,
		"user_id":      555,
		"group_id":     777,
		"self_id":      999,
		"sender":       map[string]any{"nickname": "nick", "card": "card"},
		"message": []map[string]any{
			{"type": "reply", "data": map[string]any{"id": "900"}},
			{"type": "at", "data": map[string]any{"qq": "999"}},
			{"type": "text", "data": map[string]any{"text": " /bind 123 "}},
			{"type": "image", "data": map[string]any{"url": "https://img.example/a.png"}},
		},
	})

	select {
	case evt := <-messages:
		assert.Equal(t, bus.SourceOneBot, evt.Source)
		assert.Equal(t, bus.Peer{Kind: bus.PeerGroup, ID: "777"}, evt.Peer)
		assert.Equal(t, "777", evt.GroupID)
		assert.Equal(t, "555", evt.AuthorID)
		assert.Equal(t, "1001", evt.MessageID)
		assert.Equal(t, "/bind 123", evt.Content)
		assert.Equal(t, "https://img.example/a.png", evt.ImageURL)
		assert.Equal(t, "900", evt.ReplyTo)
		assert.Equal(t, "true", evt.Metadata["mentioned"])
		assert.Equal(t, "card", evt.Metadata["sender_name"])
	case <-time.After(2 * time.Second):
		t.Fatal("message event not delivered")
	}
	assert.Equal(t, "999", c.SelfID())

	b.push(map[string]any{"post_type": "request", "request_type": "friend", "flag": "f1", "user_id": 1})
	select {
	case evt := <-raws:
		assert.Equal(t, "request", evt.PostType)
		assert.Equal(t, "friend", evt.Kind)
		assert.Contains(t, string(evt.Payload), `"flag":"f1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("raw event not delivered")
	}
}

func TestEvents_EchoFrameIsNotAnEvent(t *testing.T) {
	b := newFakeBridge(t, func(req map[string]any) any {
		return map[string]any{
			"echo":         req["echo"],
			"status":       "ok",
			"retcode":      0,
			"post_type":    "message",
			"message_type": "private",
			"user_id":      1,
			"message":      "hello",
		}
	})
	c := startClient(t, b, Config{})
	messages := make(chan bus.InboundEvent, 1)
	c.OnMessage(func(_ context.Context, evt bus.InboundEvent) { messages <- evt })
	run(t, c)

	_, ok := c.SendAction(context.Background(), ActionGetGroupList, nil, time.Second)
	require.True(t, ok)

	select {
	case <-messages:
		t.Fatal("correlated reply must not be dispatched as an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEchoString(t *testing.T) {
	assert.Equal(t, "", echoString(nil))
	assert.Equal(t, "", echoString(json.RawMessage("null")))
	assert.Equal(t, "12", echoString(json.RawMessage(`"12"`)))
	assert.Equal(t, "12", echoString(json.RawMessage(`12`)))
}

func TestClient_DoubleStart(t *testing.T) {
	b := newFakeBridge(t, nil)
	c := startClient(t, b, Config{})
	run(t, c)
	assert.Error(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())
}
