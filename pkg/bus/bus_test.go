package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_InboundRoundtrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()
	ctx := context.Background()

	evt := InboundEvent{Source: SourceQQ, Peer: Peer{Kind: PeerGroup, ID: "g1"}, GroupID: "g1", AuthorID: "u1", Content: "hi"}
	require.NoError(t, mb.PublishInbound(ctx, evt))

	got, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, evt, got)
}

func TestMessageBus_RawAndOutbound(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()
	ctx := context.Background()

	require.NoError(t, mb.PublishRaw(ctx, RawEvent{Source: SourceOneBot, PostType: "request", Kind: "friend"}))
	raw, ok := mb.ConsumeRaw(ctx)
	require.True(t, ok)
	assert.Equal(t, "friend", raw.Kind)

	require.NoError(t, mb.PublishOutbound(ctx, OutboundMessage{Channel: "qq", Content: "pong"}))
	out, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "pong", out.Content)
}

func TestMessageBus_Closed(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	assert.ErrorIs(t, mb.PublishInbound(context.Background(), InboundEvent{}), ErrBusClosed)
	_, ok := mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
}

func TestMessageBus_ConsumeHonoursContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := mb.ConsumeRaw(ctx)
	assert.False(t, ok)
}

func TestInboundEvent_Reference(t *testing.T) {
	group := InboundEvent{Source: SourceQQ, Peer: Peer{Kind: PeerGroup, ID: "g"}, GroupID: "g", AuthorID: "u", MessageID: "m", EventID: "e"}
	assert.Equal(t, Reference{Source: SourceQQ, ChatID: "g", MessageID: "m", EventID: "e"}, group.Reference())

	direct := InboundEvent{Source: SourceOneBot, Peer: Peer{Kind: PeerDirect, ID: "u"}, AuthorID: "u", MessageID: "9"}
	assert.Equal(t, Reference{Source: SourceOneBot, ChatID: "u", Private: true, MessageID: "9"}, direct.Reference())
}
