package onebot

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/logger"
)

// ActionSender is the part of Client the responders need.
type ActionSender interface {
	SendAction(ctx context.Context, action string, params any, timeout time.Duration) (*ActionResult, bool)
	SelfID() string
}

type ResponderConfig struct {
	ApproveFriends bool
	ApproveInvites bool
	WelcomeMessage string
}

// Responder applies the configured side effects to request and notice events:
// approving friend requests and group invites, and greeting new members.
type Responder struct {
	client ActionSender
	cfg    ResponderConfig
}

func NewResponder(client ActionSender, cfg ResponderConfig) *Responder {
	return &Responder{client: client, cfg: cfg}
}

type requestEvent struct {
	RequestType string `json:"request_type"`
	SubType     string `json:"sub_type"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	Comment     string `json:"comment"`
	Flag        string `json:"flag"`
}

type noticeEvent struct {
	NoticeType string `json:"notice_type"`
	SubType    string `json:"sub_type"`
	GroupID    int64  `json:"group_id"`
	UserID     int64  `json:"user_id"`
	SelfID     int64  `json:"self_id"`
}

func (r *Responder) Handle(ctx context.Context, evt bus.RawEvent) {
	switch evt.PostType {
	case "request":
		var req requestEvent
		if err := json.Unmarshal(evt.Payload, &req); err != nil {
			return
		}
		r.handleRequest(ctx, req)
	case "notice":
		var n noticeEvent
		if err := json.Unmarshal(evt.Payload, &n); err != nil {
			return
		}
		r.handleNotice(ctx, n)
	}
}

func (r *Responder) handleRequest(ctx context.Context, req requestEvent) {
	switch {
	case req.RequestType == "friend" && r.cfg.ApproveFriends:
		res, ok := r.client.SendAction(ctx, ActionSetFriendAddRequest, map[string]any{
			"flag":    req.Flag,
			"approve": true,
		}, 0)
		logOutcome("Friend request approval", res, ok, map[string]any{"user_id": req.UserID})
	case req.RequestType == "group" && req.SubType == "invite" && r.cfg.ApproveInvites:
		res, ok := r.client.SendAction(ctx, ActionSetGroupAddRequest, map[string]any{
			"flag":     req.Flag,
			"sub_type": req.SubType,
			"approve":  true,
		}, 0)
		logOutcome("Group invite approval", res, ok, map[string]any{"group_id": req.GroupID, "user_id": req.UserID})
	}
}

func (r *Responder) handleNotice(ctx context.Context, n noticeEvent) {
	if n.NoticeType != "group_increase" || r.cfg.WelcomeMessage == "" {
		return
	}
	user := strconv.FormatInt(n.UserID, 10)
	if n.UserID == n.SelfID || user == r.client.SelfID() {
		return
	}
	res, ok := r.client.SendAction(ctx, ActionSendGroupMsg, map[string]any{
		"group_id": n.GroupID,
		"message":  []Segment{AtSegment(user), TextSegment(" " + r.cfg.WelcomeMessage)},
	}, 0)
	logOutcome("Welcome message", res, ok, map[string]any{"group_id": n.GroupID, "user_id": n.UserID})
}

func logOutcome(what string, res *ActionResult, ok bool, fields map[string]any) {
	if ok && res.OK() {
		logger.InfoCF("onebot", what+" sent", fields)
		return
	}
	if res != nil {
		fields["retcode"] = res.RetCode
		fields["message"] = res.Message
	}
	logger.WarnCF("onebot", what+" failed", fields)
}
