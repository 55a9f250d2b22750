package channels

import (
	"context"
	"strings"

	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/metrics"
)

const groupSenderSep = ":\n"

// NormalizedMessage is the adapter's inbound record before it goes on the bus.
type NormalizedMessage struct {
	IsGroup        bool
	GroupID        string
	SenderID       string
	SenderNickname string
	SessionID      string
	Text           string
	MentionsBot    bool
	Attachment     *MediaAttachment
	MessageID      string
	MsgType        MsgType
}

type normalizer struct {
	wxid          string
	account       string
	dedup         *Dedup
	members       nicknameResolver
	privateFilter *NicknameFilter
	groupFilter   *NicknameFilter
	mention       *mentionDetector
	media         *mediaFetcher
	allow         func(senderID string) bool
}

// splitGroupContent separates "<sender>:\n<body>". Without the separator the
// sender is empty and the whole content is the body.
func splitGroupContent(content string) (string, string) {
	idx := strings.Index(content, groupSenderSep)
	if idx < 0 {
		return "", content
	}
	return strings.TrimSpace(content[:idx]), content[idx+len(groupSenderSep):]
}

// pushNickname extracts the nickname from a "<nick> : <preview>" push line.
func pushNickname(push string) string {
	idx := strings.Index(push, " : ")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(push[:idx])
}

// Normalize turns a parsed event into a message for the bus. A nil result
// means the event was dropped.
func (n *normalizer) Normalize(ctx context.Context, ev RawEvent) *NormalizedMessage {
	id := ev.ID()
	if n.dedup != nil && n.dedup.CheckAndRecord(id) {
		n.count(metrics.OutcomeDuplicate)
		return nil
	}

	msg := &NormalizedMessage{
		IsGroup:   ev.IsGroup(),
		MessageID: id,
		MsgType:   ev.Type,
	}

	body := ev.Content
	if msg.IsGroup {
		msg.GroupID = ev.From
		msg.SessionID = ev.From
		msg.SenderID, body = splitGroupContent(ev.Content)
	} else {
		msg.SenderID = ev.From
		msg.SessionID = ev.From
	}
	if msg.SenderID != "" && msg.SenderID == n.wxid {
		n.count(metrics.OutcomeSelf)
		return nil
	}

	p := newPayload(ev, body)
	if text, ok := p.(textPayload); ok {
		if text.text == "" {
			n.count(metrics.OutcomeEmpty)
			return nil
		}
		msg.Text = text.text
	} else {
		msg.Text = p.placeholder()
		if n.media != nil {
			att, err := n.media.Fetch(ctx, ev, p)
			if err != nil {
				logger.WarnCF("wxhttp", "Media fetch failed", map[string]interface{}{
					"message_id": id,
					"type":       ev.Type.String(),
					"error":      err.Error(),
				})
			}
			msg.Attachment = att
		}
	}

	msg.SenderNickname = pushNickname(ev.PushContent)
	if msg.IsGroup && msg.SenderID != "" && n.members != nil {
		if nick := n.members.Resolve(ctx, msg.GroupID, msg.SenderID); nick != "" {
			msg.SenderNickname = nick
		}
	}

	who := msg.SenderNickname
	if who == "" {
		who = firstNonEmpty(msg.SenderID, ev.From)
	}
	filter := n.privateFilter
	if msg.IsGroup {
		filter = n.groupFilter
	}
	if filter.Match(who) {
		logger.InfoCF("wxhttp", "Ignored sender due to nickname blacklist", map[string]interface{}{
			"nickname":  who,
			"sender_id": msg.SenderID,
			"is_group":  msg.IsGroup,
		})
		n.count(metrics.OutcomeBlacklisted)
		return nil
	}
	if n.allow != nil && !n.allow(firstNonEmpty(msg.SenderID, ev.From)+"|"+who) {
		logger.DebugCF("wxhttp", "Sender not in allow list", map[string]interface{}{
			"sender_id": msg.SenderID,
		})
		n.count(metrics.OutcomeDenied)
		return nil
	}

	if ev.Type == MsgTypeText && msg.IsGroup && n.mention != nil {
		msg.MentionsBot, msg.Text = n.mention.Detect(ctx, msg.GroupID, msg.Text, ev.MsgSource)
	}

	if msg.SenderID == "" {
		msg.SenderID = ev.From
	}
	if msg.SenderNickname == "" {
		msg.SenderNickname = msg.SenderID
	}

	n.count(metrics.OutcomeDispatched)
	return msg
}

func (n *normalizer) count(outcome string) {
	metrics.InboundMessages.WithLabelValues(n.account, outcome).Inc()
}
