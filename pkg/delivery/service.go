// Package delivery sends text and images to either backend, threading each
// reply to the inbound message it answers.
package delivery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/logger"
	"github.com/tinyland-inc/qqgate/pkg/onebot"
	"github.com/tinyland-inc/qqgate/pkg/qqbot"
)

var (
	ErrNoTarget  = errors.New("delivery: reference has no chat id")
	ErrNoBackend = errors.New("delivery: backend not configured")
)

// Notices sent in place of an image that could not be delivered.
const (
	NoticeImageHostMissing = "[image] image hosting is not configured"
	NoticeImageFailed      = "[image] image upload failed"
)

// GatewaySender is the QQ OpenAPI surface used for sends. *qqbot.API
// implements it.
type GatewaySender interface {
	PostGroupMessage(ctx context.Context, groupOpenID string, msg *qqbot.Message) (*qqbot.MessageResult, error)
	PostC2CMessage(ctx context.Context, openID string, msg *qqbot.Message) (*qqbot.MessageResult, error)
	UploadGroupFile(ctx context.Context, groupOpenID string, f *qqbot.FileUpload) (*qqbot.MediaInfo, error)
	UploadC2CFile(ctx context.Context, openID string, f *qqbot.FileUpload) (*qqbot.MediaInfo, error)
}

// BridgeSender issues bridge actions. *onebot.Client implements it.
type BridgeSender interface {
	SendAction(ctx context.Context, action string, params any, timeout time.Duration) (*onebot.ActionResult, bool)
}

type Options struct {
	MaxSeq        int
	CounterLimit  int
	ActionTimeout time.Duration
}

type Service struct {
	gateway GatewaySender
	bridge  BridgeSender
	host    ImageHost
	seq     *SeqCounter
	timeout time.Duration

	gatewayStrategies []Strategy
	bridgeStrategies  []BridgeStrategy
}

// New builds a delivery service. Any of gateway, bridge and host may be nil;
// sends to a missing backend fail with ErrNoBackend and images to the gateway
// degrade to a notice without a host.
func New(gateway GatewaySender, bridge BridgeSender, host ImageHost, opts Options) *Service {
	return &Service{
		gateway:           gateway,
		bridge:            bridge,
		host:              host,
		seq:               NewSeqCounter(opts.MaxSeq, opts.CounterLimit),
		timeout:           opts.ActionTimeout,
		gatewayStrategies: GatewayStrategies,
		bridgeStrategies:  BridgeStrategies,
	}
}

// Send delivers one outbound bus message.
func (s *Service) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if len(msg.Image) > 0 {
		if err := s.SendImage(ctx, msg.Ref, msg.Image, msg.ImageExt); err != nil {
			return err
		}
		if msg.Content == "" {
			return nil
		}
	}
	return s.SendText(ctx, msg.Ref, msg.Content)
}

func (s *Service) SendText(ctx context.Context, ref bus.Reference, text string) error {
	if ref.ChatID == "" {
		return ErrNoTarget
	}
	switch ref.Source {
	case bus.SourceOneBot:
		return s.sendBridge(ctx, ref, []onebot.Segment{onebot.TextSegment(text)})
	default:
		return s.sendGateway(ctx, ref, qqbot.Message{Content: text, MsgType: qqbot.MsgTypeText})
	}
}

// SendImage sends an image. Gateway failures at any step degrade to a text
// message instead of returning an upload error.
func (s *Service) SendImage(ctx context.Context, ref bus.Reference, data []byte, ext string) error {
	if ref.ChatID == "" {
		return ErrNoTarget
	}
	if ref.Source == bus.SourceOneBot {
		img := onebot.ImageSegment(base64.StdEncoding.EncodeToString(data))
		return s.sendBridge(ctx, ref, []onebot.Segment{img})
	}
	return s.sendGatewayImage(ctx, ref, data, ext)
}

func (s *Service) sendGatewayImage(ctx context.Context, ref bus.Reference, data []byte, ext string) error {
	if s.host == nil {
		return s.degrade(ctx, ref, NoticeImageHostMissing, "no image host")
	}

	url, err := s.host.Upload(ctx, data, imageName(ext))
	if err != nil {
		return s.degrade(ctx, ref, NoticeImageFailed, err.Error())
	}
	if s.gateway == nil {
		return ErrNoBackend
	}

	upload := &qqbot.FileUpload{FileType: qqbot.FileTypeImage, URL: url}
	var media *qqbot.MediaInfo
	if ref.Private {
		media, err = s.gateway.UploadC2CFile(ctx, ref.ChatID, upload)
	} else {
		media, err = s.gateway.UploadGroupFile(ctx, ref.ChatID, upload)
	}
	if err != nil {
		return s.degrade(ctx, ref, url, err.Error())
	}

	err = s.sendGateway(ctx, ref, qqbot.Message{
		MsgType: qqbot.MsgTypeMedia,
		Media:   &qqbot.MediaInfo{FileInfo: media.FileInfo},
	})
	if err != nil {
		return s.degrade(ctx, ref, url, err.Error())
	}
	return nil
}

func (s *Service) degrade(ctx context.Context, ref bus.Reference, text, reason string) error {
	logger.WarnCF("delivery", "Image send degraded to text", map[string]any{
		"chat_id": ref.ChatID,
		"reason":  reason,
	})
	return s.SendText(ctx, ref, text)
}

func (s *Service) sendGateway(ctx context.Context, ref bus.Reference, base qqbot.Message) error {
	if s.gateway == nil {
		return ErrNoBackend
	}
	base.MsgSeq = s.seq.Next(firstNonEmpty(ref.MessageID, ref.EventID))

	post := func(ctx context.Context, msg *qqbot.Message) error {
		var err error
		if ref.Private {
			_, err = s.gateway.PostC2CMessage(ctx, ref.ChatID, msg)
		} else {
			_, err = s.gateway.PostGroupMessage(ctx, ref.ChatID, msg)
		}
		return err
	}
	if err := tryGateway(ctx, ref, base, s.gatewayStrategies, post); err != nil {
		return fmt.Errorf("send to %s: %w", ref.ChatID, err)
	}
	return nil
}

func (s *Service) sendBridge(ctx context.Context, ref bus.Reference, body []onebot.Segment) error {
	if s.bridge == nil {
		return ErrNoBackend
	}

	action, params := onebot.ActionSendGroupMsg, map[string]any{"group_id": bridgeID(ref.ChatID)}
	if ref.Private {
		action, params = onebot.ActionSendPrivateMsg, map[string]any{"user_id": bridgeID(ref.ChatID)}
	}

	send := func(ctx context.Context, segs []onebot.Segment) error {
		p := make(map[string]any, len(params)+1)
		for k, v := range params {
			p[k] = v
		}
		p["message"] = segs
		res, ok := s.bridge.SendAction(ctx, action, p, s.timeout)
		if !ok {
			return fmt.Errorf("%s: no result", action)
		}
		if !res.OK() {
			return fmt.Errorf("%s: retcode %d %s", action, res.RetCode, res.Message)
		}
		return nil
	}
	if err := tryBridge(ctx, ref, body, s.bridgeStrategies, send); err != nil {
		return fmt.Errorf("send to %s: %w", ref.ChatID, err)
	}
	return nil
}

// bridgeID sends numeric ids as numbers, which is what OneBot expects.
func bridgeID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
