package bus

import "encoding/json"

// Source tags which backend produced an event.
type Source string

const (
	SourceQQ     Source = "qq"
	SourceOneBot Source = "onebot"
)

// Peer identifies the routing peer for a message.
type Peer struct {
	Kind string `json:"kind"` // "direct" | "group"
	ID   string `json:"id"`
}

const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// InboundEvent is the normalized envelope handed to collaborators. It is
// built once per dispatch and never mutated afterwards.
type InboundEvent struct {
	Source    Source            `json:"source"`
	Peer      Peer              `json:"peer"`
	GroupID   string            `json:"group_id,omitempty"`
	AuthorID  string            `json:"author_id"`
	MessageID string            `json:"message_id,omitempty"`
	EventID   string            `json:"event_id,omitempty"` // gateway/webhook frame id, QQ only
	Content   string            `json:"content"`
	ImageURL  string            `json:"image_url,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChatID is the conversation an outbound reply to this event targets.
func (e InboundEvent) ChatID() string {
	if e.Peer.Kind == PeerGroup {
		return e.GroupID
	}
	return e.AuthorID
}

// Reference builds the outbound reference that threads a reply to this event.
func (e InboundEvent) Reference() Reference {
	return Reference{
		Source:    e.Source,
		ChatID:    e.ChatID(),
		Private:   e.Peer.Kind == PeerDirect,
		MessageID: e.MessageID,
		EventID:   e.EventID,
	}
}

// RawEvent carries bridge request/notice frames to auto-responders.
type RawEvent struct {
	Source   Source          `json:"source"`
	PostType string          `json:"post_type"`
	Kind     string          `json:"kind"` // request_type or notice_type
	SubType  string          `json:"sub_type,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Reference identifies where an outbound message goes and which inbound
// message or event it answers.
type Reference struct {
	Source    Source `json:"source"`
	ChatID    string `json:"chat_id"`
	Private   bool   `json:"private,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}

type OutboundMessage struct {
	Channel  string    `json:"channel"`
	Ref      Reference `json:"ref"`
	Content  string    `json:"content"`
	Image    []byte    `json:"image,omitempty"`
	ImageExt string    `json:"image_ext,omitempty"`
}
