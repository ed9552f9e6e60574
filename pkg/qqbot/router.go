package qqbot

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/logger"
)

// Handler receives normalized events.
type Handler func(ctx context.Context, evt bus.InboundEvent)

var leadingMention = regexp.MustCompile(`^\s*<@!?[^>\s]+>\s*`)

// Router normalizes message dispatches from either the gateway or the webhook
// and forwards the ones addressed to the bot.
type Router struct {
	handler      Handler
	mentionNames []string

	mu     sync.RWMutex
	selfID string
}

type RouterOption func(*Router)

// WithMentionNames adds "@Name" prefixes that count as addressing the bot in
// GROUP_MESSAGE_CREATE content.
func WithMentionNames(names ...string) RouterOption {
	return func(r *Router) {
		for _, n := range names {
			if n = strings.TrimSpace(strings.TrimPrefix(n, "@")); n != "" {
				r.mentionNames = append(r.mentionNames, n)
			}
		}
	}
}

func NewRouter(handler Handler, opts ...RouterOption) *Router {
	r := &Router{handler: handler}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSelfID records the bot's user id, learned from READY.
func (r *Router) SetSelfID(id string) {
	r.mu.Lock()
	r.selfID = id
	r.mu.Unlock()
}

func (r *Router) SelfID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// Dispatch routes one dispatch frame and reports whether it reached the
// handler.
func (r *Router) Dispatch(ctx context.Context, f Frame) bool {
	var (
		evt bus.InboundEvent
		err error
	)
	switch f.Type {
	case EventGroupAtMessageCreate:
		evt, err = r.groupEvent(f, true)
	case EventGroupMessageCreate:
		evt, err = r.groupEvent(f, false)
	case EventC2CMessageCreate:
		evt, err = r.directEvent(f)
	default:
		logger.DebugCF("qqbot", "Ignoring dispatch", map[string]any{"type": f.Type})
		return false
	}
	if err != nil {
		if !errors.Is(err, errNotAddressed) {
			logger.WarnCF("qqbot", "Malformed dispatch", map[string]any{"type": f.Type, "error": err.Error()})
		}
		return false
	}
	if r.handler == nil {
		return false
	}
	r.handler(ctx, evt)
	return true
}

var errNotAddressed = errors.New("message not addressed to bot")

func (r *Router) groupEvent(f Frame, atMessage bool) (bus.InboundEvent, error) {
	var d messageData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return bus.InboundEvent{}, err
	}
	if !atMessage && !r.addressed(d) {
		return bus.InboundEvent{}, errNotAddressed
	}

	group := firstNonEmpty(d.GroupOpenID, d.GroupID)
	evt := r.baseEvent(f, d)
	evt.GroupID = group
	evt.AuthorID = firstNonEmpty(d.Author.MemberOpenID, d.Author.ID)
	evt.Peer = bus.Peer{Kind: bus.PeerGroup, ID: group}
	return evt, nil
}

func (r *Router) directEvent(f Frame) (bus.InboundEvent, error) {
	var d messageData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return bus.InboundEvent{}, err
	}
	evt := r.baseEvent(f, d)
	evt.AuthorID = firstNonEmpty(d.Author.UserOpenID, d.Author.ID)
	evt.Peer = bus.Peer{Kind: bus.PeerDirect, ID: evt.AuthorID}
	return evt, nil
}

func (r *Router) baseEvent(f Frame, d messageData) bus.InboundEvent {
	evt := bus.InboundEvent{
		Source:    bus.SourceQQ,
		MessageID: d.ID,
		EventID:   f.ID,
		Content:   r.stripMentions(d.Content),
		Metadata:  map[string]string{"event_type": f.Type},
	}
	if d.Timestamp != "" {
		evt.Metadata["timestamp"] = d.Timestamp
	}
	if d.MessageReference != nil {
		evt.ReplyTo = d.MessageReference.MessageID
	}
	for _, a := range d.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") && a.URL != "" {
			evt.ImageURL = absoluteURL(a.URL)
			break
		}
	}
	return evt
}

// addressed reports whether a plain group message mentions the bot.
func (r *Router) addressed(d messageData) bool {
	self := r.SelfID()
	for _, m := range d.Mentions {
		if m.IsYou || (self != "" && (m.ID == self || m.MemberOpenID == self)) {
			return true
		}
	}
	content := strings.TrimSpace(d.Content)
	if leadingMention.MatchString(content) {
		return true
	}
	for _, n := range r.mentionNames {
		if strings.HasPrefix(content, "@"+n) {
			return true
		}
	}
	return false
}

func (r *Router) stripMentions(content string) string {
	content = leadingMention.ReplaceAllString(content, "")
	trimmed := strings.TrimSpace(content)
	for _, n := range r.mentionNames {
		if rest, ok := strings.CutPrefix(trimmed, "@"+n); ok {
			trimmed = rest
			break
		}
	}
	return strings.TrimSpace(trimmed)
}

func absoluteURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	if !strings.Contains(u, "://") {
		return "https://" + u
	}
	return u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
