package onebot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/qqgate/pkg/bus"
)

type recordedAction struct {
	action string
	params map[string]any
}

type fakeSender struct {
	mu    sync.Mutex
	calls []recordedAction
	self  string
}

func (f *fakeSender) SendAction(_ context.Context, action string, params any, _ time.Duration) (*ActionResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := params.(map[string]any)
	f.calls = append(f.calls, recordedAction{action: action, params: p})
	return &ActionResult{Status: "ok"}, true
}

func (f *fakeSender) SelfID() string { return f.self }

func rawEvent(t *testing.T, postType string, payload map[string]any) bus.RawEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.RawEvent{Source: bus.SourceOneBot, PostType: postType, Payload: data}
}

func TestResponder_ApprovesFriendRequest(t *testing.T) {
	s := &fakeSender{}
	r := NewResponder(s, ResponderConfig{ApproveFriends: true})

	r.Handle(context.Background(), rawEvent(t, "request", map[string]any{"request_type": "friend", "flag": "abc", "user_id": 5}))

	require.Len(t, s.calls, 1)
	assert.Equal(t, ActionSetFriendAddRequest, s.calls[0].action)
	assert.Equal(t, "abc", s.calls[0].params["flag"])
	assert.Equal(t, true, s.calls[0].params["approve"])
}

func TestResponder_ApprovesGroupInviteOnly(t *testing.T) {
	s := &fakeSender{}
	r := NewResponder(s, ResponderConfig{ApproveInvites: true})

	r.Handle(context.Background(), rawEvent(t, "request", map[string]any{"request_type": "group", "sub_type": "add", "flag": "x"}))
	assert.Empty(t, s.calls)

	r.Handle(context.Background(), rawEvent(t, "request", map[string]any{"request_type": "group", "sub_type": "invite", "flag": "y"}))
	require.Len(t, s.calls, 1)
	assert.Equal(t, ActionSetGroupAddRequest, s.calls[0].action)
	assert.Equal(t, "invite", s.calls[0].params["sub_type"])
}

func TestResponder_DisabledTogglesDoNothing(t *testing.T) {
	s := &fakeSender{}
	r := NewResponder(s, ResponderConfig{})

	r.Handle(context.Background(), rawEvent(t, "request", map[string]any{"request_type": "friend", "flag": "abc"}))
	r.Handle(context.Background(), rawEvent(t, "notice", map[string]any{"notice_type": "group_increase", "group_id": 1, "user_id": 2}))
	assert.Empty(t, s.calls)
}

func TestResponder_WelcomesNewMember(t *testing.T) {
	s := &fakeSender{self: "100"}
	r := NewResponder(s, ResponderConfig{WelcomeMessage: "welcome!"})

	r.Handle(context.Background(), rawEvent(t, "notice", map[string]any{"notice_type": "group_increase", "group_id": 7, "user_id": 100, "self_id": 100}))
	assert.Empty(t, s.calls, "the bot joining is not greeted")

	r.Handle(context.Background(), rawEvent(t, "notice", map[string]any{"notice_type": "group_increase", "group_id": 7, "user_id": 8, "self_id": 100}))
	require.Len(t, s.calls, 1)
	assert.Equal(t, ActionSendGroupMsg, s.calls[0].action)
	assert.Equal(t, int64(7), s.calls[0].params["group_id"])
	segs := s.calls[0].params["message"].([]Segment)
	assert.Equal(t, AtSegment("8"), segs[0])
	assert.Equal(t, " welcome!", segs[1].Str("text"))
}
