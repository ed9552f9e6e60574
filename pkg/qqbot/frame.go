package qqbot

import (
	"encoding/json"

	"github.com/tencent-connect/botgo/dto"
)

// Event type names carried in Frame.Type for dispatch frames.
const (
	EventReady                = "READY"
	EventResumed              = "RESUMED"
	EventGroupAtMessageCreate = "GROUP_AT_MESSAGE_CREATE"
	EventGroupMessageCreate   = "GROUP_MESSAGE_CREATE"
	EventC2CMessageCreate     = "C2C_MESSAGE_CREATE"
)

// Webhook-only op codes.
const (
	OpCallbackAck        dto.OPCode = 12
	OpCallbackValidation dto.OPCode = 13
)

// Frame is one gateway or webhook envelope.
type Frame struct {
	Op   dto.OPCode      `json:"op"`
	ID   string          `json:"id,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// outFrame always serializes d, so a nil heartbeat sequence is sent as null.
type outFrame struct {
	Op dto.OPCode `json:"op"`
	D  any        `json:"d"`
}

type readyData struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"user"`
	Shard []int `json:"shard"`
}

type messageAuthor struct {
	ID           string `json:"id"`
	MemberOpenID string `json:"member_openid"`
	UserOpenID   string `json:"user_openid"`
	Username     string `json:"username"`
}

type attachment struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
}

type mention struct {
	ID           string `json:"id"`
	MemberOpenID string `json:"member_openid"`
	IsYou        bool   `json:"is_you"`
	Bot          bool   `json:"bot"`
}

type messageData struct {
	ID               string        `json:"id"`
	Content          string        `json:"content"`
	Timestamp        string        `json:"timestamp"`
	GroupID          string        `json:"group_id"`
	GroupOpenID      string        `json:"group_openid"`
	Author           messageAuthor `json:"author"`
	Attachments      []attachment  `json:"attachments"`
	Mentions         []mention     `json:"mentions"`
	MessageReference *struct {
		MessageID string `json:"message_id"`
	} `json:"message_reference"`
}
