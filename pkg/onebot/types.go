package onebot

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Actions used by the bridge.
const (
	ActionSendGroupMsg        = "send_group_msg"
	ActionSendPrivateMsg      = "send_private_msg"
	ActionGetGroupList        = "get_group_list"
	ActionSetFriendAddRequest = "set_friend_add_request"
	ActionSetGroupAddRequest  = "set_group_add_request"
)

type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// ActionResult is the bridge's reply to one action.
type ActionResult struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

func (r *ActionResult) OK() bool {
	return r != nil && r.Status == "ok" && r.RetCode == 0
}

// MessageID extracts data.message_id from a send result.
func (r *ActionResult) MessageID() string {
	if r == nil || len(r.Data) == 0 {
		return ""
	}
	var d struct {
		MessageID json.Number `json:"message_id"`
	}
	if err := json.Unmarshal(r.Data, &d); err != nil {
		return ""
	}
	return d.MessageID.String()
}

// Segment is one element of an array-form message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s Segment) Str(key string) string {
	switch v := s.Data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

func ReplySegment(messageID string) Segment {
	return Segment{Type: "reply", Data: map[string]any{"id": messageID}}
}

func AtSegment(userID string) Segment {
	return Segment{Type: "at", Data: map[string]any{"qq": userID}}
}

// ImageSegment inlines the image as base64.
func ImageSegment(base64Data string) Segment {
	return Segment{Type: "image", Data: map[string]any{"file": "base64://" + base64Data}}
}

type sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

type messageEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   int64           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	SelfID      int64           `json:"self_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      sender          `json:"sender"`
}

type rawHeader struct {
	PostType      string `json:"post_type"`
	RequestType   string `json:"request_type"`
	NoticeType    string `json:"notice_type"`
	MetaEventType string `json:"meta_event_type"`
	SubType       string `json:"sub_type"`
	SelfID        int64  `json:"self_id"`
}

// parseSegments accepts both the array form and the CQ-code string form.
func parseSegments(raw json.RawMessage, fallback string) []Segment {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var segs []Segment
		if err := json.Unmarshal(raw, &segs); err == nil {
			return segs
		}
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return ParseCQ(s)
		}
	}
	return ParseCQ(fallback)
}
