package channels

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wxclaw/wxclaw/pkg/wxhttp"
)

type MsgType int

const (
	MsgTypeText    MsgType = 1
	MsgTypeImage   MsgType = 3
	MsgTypeVoice   MsgType = 34
	MsgTypeVideo   MsgType = 43
	MsgTypeSticker MsgType = 47
	MsgTypeShare   MsgType = 49
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeText:
		return "text"
	case MsgTypeImage:
		return "image"
	case MsgTypeVoice:
		return "voice"
	case MsgTypeVideo:
		return "video"
	case MsgTypeSticker:
		return "sticker"
	case MsgTypeShare:
		return "share"
	default:
		return fmt.Sprintf("MsgType=%d", int(t))
	}
}

func (t MsgType) supported() bool {
	switch t {
	case MsgTypeText, MsgTypeImage, MsgTypeVoice, MsgTypeVideo, MsgTypeSticker, MsgTypeShare:
		return true
	}
	return false
}

const chatroomSuffix = "@chatroom"

var (
	errUnsupportedType = errors.New("unsupported message type")
	errNoParticipants  = errors.New("missing from/to user")
)

type wxString struct {
	String string `json:"string"`
}

type wxBuffer struct {
	ILen   int    `json:"iLen"`
	Buffer string `json:"buffer"`
}

type wxRawMessage struct {
	MsgID        json.RawMessage `json:"MsgId"`
	NewMsgID     json.RawMessage `json:"NewMsgId"`
	MsgType      int             `json:"MsgType"`
	FromUserName wxString        `json:"FromUserName"`
	ToUserName   wxString        `json:"ToUserName"`
	Content      wxString        `json:"Content"`
	PushContent  string          `json:"PushContent"`
	MsgSource    string          `json:"MsgSource"`
	ImgBuf       *wxBuffer       `json:"ImgBuf"`
}

// RawEvent is one validated AddMsgs entry.
type RawEvent struct {
	Type         MsgType
	MsgID        int64
	NewMsgID     int64
	From         string
	To           string
	Content      string
	PushContent  string
	MsgSource    string
	InlineBuffer string
	InlineLength int
}

// ID is the dedup and dispatch identifier: NewMsgId when set, else MsgId.
func (e RawEvent) ID() string {
	if e.NewMsgID != 0 {
		return strconv.FormatInt(e.NewMsgID, 10)
	}
	if e.MsgID != 0 {
		return strconv.FormatInt(e.MsgID, 10)
	}
	return ""
}

func (e RawEvent) IsGroup() bool {
	return strings.HasSuffix(e.From, chatroomSuffix)
}

// parseID accepts a JSON number or a numeric string. Anything else is 0.
func parseID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	return 0
}

func parseRawEvent(data []byte) (RawEvent, error) {
	var raw wxRawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawEvent{}, fmt.Errorf("decode raw message: %w", err)
	}

	ev := RawEvent{
		Type:        MsgType(raw.MsgType),
		MsgID:       parseID(raw.MsgID),
		NewMsgID:    parseID(raw.NewMsgID),
		From:        strings.TrimSpace(raw.FromUserName.String),
		To:          strings.TrimSpace(raw.ToUserName.String),
		Content:     raw.Content.String,
		PushContent: raw.PushContent,
		MsgSource:   raw.MsgSource,
	}
	if raw.ImgBuf != nil {
		ev.InlineBuffer = strings.TrimSpace(raw.ImgBuf.Buffer)
		ev.InlineLength = raw.ImgBuf.ILen
	}

	if !ev.Type.supported() {
		return ev, errUnsupportedType
	}
	if ev.From == "" || ev.To == "" {
		return ev, errNoParticipants
	}
	return ev, nil
}

// syncBatch is the decoded part of a sync response.
type syncBatch struct {
	synckey  string
	messages []gjson.Result
}

func parseSyncBatch(resp *wxhttp.Response) (syncBatch, error) {
	batch := syncBatch{
		synckey: resp.Get("Data.KeyBuf.buffer").String(),
	}
	msgs := resp.Get("Data.AddMsgs")
	switch {
	case !msgs.Exists() || msgs.Type == gjson.Null:
		return batch, nil
	case !msgs.IsArray():
		return batch, fmt.Errorf("Data.AddMsgs is %s, want array", msgs.Type)
	}
	batch.messages = msgs.Array()
	return batch, nil
}

// payload is the per-type body of a message after the group sender prefix
// has been removed.
type payload interface {
	msgType() MsgType
	placeholder() string
}

type textPayload struct{ text string }

type imagePayload struct {
	xml       string
	thumbnail string
}

type voicePayload struct {
	xml       string
	inline    string
	inlineLen int
}

type videoPayload struct{ xml string }

type stickerPayload struct{ xml string }

type sharePayload struct{ xml string }

func (textPayload) msgType() MsgType    { return MsgTypeText }
func (imagePayload) msgType() MsgType   { return MsgTypeImage }
func (voicePayload) msgType() MsgType   { return MsgTypeVoice }
func (videoPayload) msgType() MsgType   { return MsgTypeVideo }
func (stickerPayload) msgType() MsgType { return MsgTypeSticker }
func (sharePayload) msgType() MsgType   { return MsgTypeShare }

func (p textPayload) placeholder() string  { return p.text }
func (imagePayload) placeholder() string   { return "[图片]" }
func (voicePayload) placeholder() string   { return "[语音]" }
func (videoPayload) placeholder() string   { return "[视频]" }
func (stickerPayload) placeholder() string { return "[表情]" }
func (sharePayload) placeholder() string   { return "[引用/分享]" }

func newPayload(ev RawEvent, body string) payload {
	switch ev.Type {
	case MsgTypeText:
		return textPayload{text: strings.TrimSpace(body)}
	case MsgTypeImage:
		return imagePayload{xml: body, thumbnail: ev.InlineBuffer}
	case MsgTypeVoice:
		return voicePayload{xml: body, inline: ev.InlineBuffer, inlineLen: ev.InlineLength}
	case MsgTypeVideo:
		return videoPayload{xml: body}
	case MsgTypeSticker:
		return stickerPayload{xml: body}
	default:
		return sharePayload{xml: body}
	}
}

// findXMLAttrs returns the attributes of the first element named name at any
// depth of doc.
func findXMLAttrs(doc, name string) (map[string]string, bool) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return nil, false
	}
	dec := xml.NewDecoder(strings.NewReader(doc))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != name {
			continue
		}
		attrs := make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = strings.TrimSpace(a.Value)
		}
		return attrs, true
	}
}

func attrInt(attrs map[string]string, key string) (int, bool) {
	v, err := strconv.Atoi(attrs[key])
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
