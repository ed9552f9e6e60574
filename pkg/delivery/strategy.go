package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyland-inc/qqgate/pkg/bus"
	"github.com/tinyland-inc/qqgate/pkg/logger"
	"github.com/tinyland-inc/qqgate/pkg/onebot"
	"github.com/tinyland-inc/qqgate/pkg/qqbot"
)

// Strategy shapes an outbound gateway message around one reference field.
// Shape reports false when the reference lacks that field, and the strategy
// is skipped.
type Strategy struct {
	Name  string
	Shape func(ref bus.Reference, msg *qqbot.Message) bool
}

// GatewayStrategies answers by event id first and falls back to the message
// id; the platform is not consistent about which one it accepts.
var GatewayStrategies = []Strategy{
	{Name: "event_id", Shape: func(ref bus.Reference, msg *qqbot.Message) bool {
		if ref.EventID == "" {
			return false
		}
		msg.EventID, msg.MsgID = ref.EventID, ""
		return true
	}},
	{Name: "msg_id", Shape: func(ref bus.Reference, msg *qqbot.Message) bool {
		if ref.MessageID == "" {
			return false
		}
		msg.MsgID, msg.EventID = ref.MessageID, ""
		return true
	}},
}

// BridgeStrategy shapes an outbound bridge message. It returns the segments
// to send, or false when the reference cannot be expressed.
type BridgeStrategy struct {
	Name  string
	Shape func(ref bus.Reference, body []onebot.Segment) ([]onebot.Segment, bool)
}

// BridgeStrategies quote the inbound message id when there is one.
var BridgeStrategies = []BridgeStrategy{
	{Name: "msg_id", Shape: func(ref bus.Reference, body []onebot.Segment) ([]onebot.Segment, bool) {
		if ref.MessageID == "" {
			return nil, false
		}
		return append([]onebot.Segment{onebot.ReplySegment(ref.MessageID)}, body...), true
	}},
}

// tryGateway posts base under each applicable strategy until one succeeds.
// With no applicable strategy the message is sent unreferenced.
func tryGateway(ctx context.Context, ref bus.Reference, base qqbot.Message, strategies []Strategy, post func(context.Context, *qqbot.Message) error) error {
	var errs []error
	tried := 0
	for _, st := range strategies {
		msg := base
		if !st.Shape(ref, &msg) {
			continue
		}
		tried++
		err := post(ctx, &msg)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
		if ctx.Err() != nil {
			break
		}
		logger.WarnCF("delivery", "Send rejected, trying next reference", map[string]any{
			"strategy": st.Name,
			"chat_id":  ref.ChatID,
			"error":    err.Error(),
		})
	}
	if tried == 0 {
		msg := base
		return post(ctx, &msg)
	}
	return errors.Join(errs...)
}

func tryBridge(ctx context.Context, ref bus.Reference, body []onebot.Segment, strategies []BridgeStrategy, send func(context.Context, []onebot.Segment) error) error {
	var errs []error
	tried := 0
	for _, st := range strategies {
		segs, ok := st.Shape(ref, body)
		if !ok {
			continue
		}
		tried++
		err := send(ctx, segs)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	if tried == 0 {
		return send(ctx, body)
	}
	return errors.Join(errs...)
}
