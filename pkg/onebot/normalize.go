package onebot

import (
	"strconv"
	"strings"

	"github.com/tinyland-inc/qqgate/pkg/bus"
)

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// normalizeMessage turns a message event into an InboundEvent. ok is false for
// message types the bridge does not route.
func normalizeMessage(ev messageEvent) (bus.InboundEvent, bool) {
	out := bus.InboundEvent{
		Source:    bus.SourceOneBot,
		AuthorID:  formatID(ev.UserID),
		MessageID: strconv.FormatInt(ev.MessageID, 10),
		Metadata:  map[string]string{},
	}
	switch ev.MessageType {
	case "group":
		out.GroupID = formatID(ev.GroupID)
		out.Peer = bus.Peer{Kind: bus.PeerGroup, ID: out.GroupID}
	case "private":
		out.Peer = bus.Peer{Kind: bus.PeerDirect, ID: out.AuthorID}
	default:
		return bus.InboundEvent{}, false
	}

	self := formatID(ev.SelfID)
	var text strings.Builder
	for _, seg := range parseSegments(ev.Message, ev.RawMessage) {
		switch seg.Type {
		case "text":
			text.WriteString(seg.Str("text"))
		case "image":
			if out.ImageURL == "" {
				out.ImageURL = seg.Str("url")
				if out.ImageURL == "" {
					out.ImageURL = seg.Str("file")
				}
			}
		case "reply":
			out.ReplyTo = seg.Str("id")
		case "at":
			if qq := seg.Str("qq"); self != "" && qq == self {
				out.Metadata["mentioned"] = "true"
			} else if qq != "" {
				out.Metadata["at"] = appendCSV(out.Metadata["at"], qq)
			}
		}
	}
	out.Content = strings.TrimSpace(text.String())

	name := ev.Sender.Card
	if name == "" {
		name = ev.Sender.Nickname
	}
	if name != "" {
		out.Metadata["sender_name"] = name
	}
	if ev.SubType != "" {
		out.Metadata["sub_type"] = ev.SubType
	}
	return out, true
}

func appendCSV(list, v string) string {
	if list == "" {
		return v
	}
	return list + "," + v
}
