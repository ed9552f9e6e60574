package qqbot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/qqgate/pkg/bus"
)

func collectRouter(opts ...RouterOption) (*Router, *[]bus.InboundEvent) {
	var got []bus.InboundEvent
	r := NewRouter(func(_ context.Context, evt bus.InboundEvent) {
		got = append(got, evt)
	}, opts...)
	return r, &got
}

func TestRouter_GroupAtMessage(t *testing.T) {
	r, got := collectRouter()
	f := Frame{
		ID:   "evt-1",
		Type: EventGroupAtMessageCreate,
		Data: []byte(`{"id":"m1","content":" <@!bot> hello ","group_openid":"G1",
			"author":{"member_openid":"U1"},
			"attachments":[{"content_type":"image/png","url":"multimedia.nt.qq.com/a.png"}],
			"message_reference":{"message_id":"m0"}}`),
	}

	require.True(t, r.Dispatch(context.Background(), f))
	require.Len(t, *got, 1)

	evt := (*got)[0]
	assert.Equal(t, bus.SourceQQ, evt.Source)
	assert.Equal(t, bus.Peer{Kind: bus.PeerGroup, ID: "G1"}, evt.Peer)
	assert.Equal(t, "G1", evt.GroupID)
	assert.Equal(t, "U1", evt.AuthorID)
	assert.Equal(t, "m1", evt.MessageID)
	assert.Equal(t, "evt-1", evt.EventID)
	assert.Equal(t, "hello", evt.Content)
	assert.Equal(t, "https://multimedia.nt.qq.com/a.png", evt.ImageURL)
	assert.Equal(t, "m0", evt.ReplyTo)
	assert.Equal(t, EventGroupAtMessageCreate, evt.Metadata["event_type"])
}

func TestRouter_GroupMessageAddressing(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"plain chatter", `{"id":"m","content":"hi all","group_openid":"G"}`, false},
		{"mention flag", `{"id":"m","content":"hi","group_openid":"G","mentions":[{"id":"x","is_you":true}]}`, true},
		{"mention by self id", `{"id":"m","content":"hi","group_openid":"G","mentions":[{"member_openid":"BOT"}]}`, true},
		{"leading tag", `{"id":"m","content":"<@BOT> ping","group_openid":"G"}`, true},
		{"name prefix", `{"id":"m","content":"@Helper ping","group_openid":"G"}`, true},
		{"other name", `{"id":"m","content":"@Someone ping","group_openid":"G"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, got := collectRouter(WithMentionNames("@Helper"))
			r.SetSelfID("BOT")
			ok := r.Dispatch(context.Background(), Frame{Type: EventGroupMessageCreate, Data: []byte(tt.data)})
			assert.Equal(t, tt.want, ok)
			assert.Len(t, *got, map[bool]int{true: 1, false: 0}[tt.want])
		})
	}
}

func TestRouter_NamePrefixStripped(t *testing.T) {
	r, got := collectRouter(WithMentionNames("Helper"))
	require.True(t, r.Dispatch(context.Background(), Frame{
		Type: EventGroupMessageCreate,
		Data: []byte(`{"id":"m","content":"@Helper  what time is it","group_openid":"G"}`),
	}))
	assert.Equal(t, "what time is it", (*got)[0].Content)
}

func TestRouter_C2CMessage(t *testing.T) {
	r, got := collectRouter()
	require.True(t, r.Dispatch(context.Background(), Frame{
		Type: EventC2CMessageCreate,
		Data: []byte(`{"id":"m9","content":"dm","author":{"user_openid":"U7"}}`),
	}))
	evt := (*got)[0]
	assert.Equal(t, bus.Peer{Kind: bus.PeerDirect, ID: "U7"}, evt.Peer)
	assert.Equal(t, "U7", evt.AuthorID)
	assert.Empty(t, evt.GroupID)
}

func TestRouter_IgnoresOtherEvents(t *testing.T) {
	r, got := collectRouter()
	assert.False(t, r.Dispatch(context.Background(), Frame{Type: "GUILD_CREATE", Data: []byte(`{}`)}))
	assert.False(t, r.Dispatch(context.Background(), Frame{Type: EventGroupAtMessageCreate, Data: []byte(`not json`)}))
	assert.Empty(t, *got)
}
