package channels

import (
	"context"
	"regexp"
	"strings"
)

var (
	atUserListRe  = regexp.MustCompile(`(?s)<atuserlist>(.*?)</atuserlist>`)
	atListSplitRe = regexp.MustCompile(`[\s,]+`)
	whitespaceRe  = regexp.MustCompile(`[\s\p{Zs}]+`)
)

// mentionSpaces are the separators clients put after an @nickname token.
const mentionSpaces = `[\s\x{00A0}\x{2005}\x{2006}\x{2009}]*`

type nicknameResolver interface {
	Resolve(ctx context.Context, chatroomID, memberID string) string
}

type mentionDetector struct {
	wxid    string
	enabled bool
	members nicknameResolver
}

// Detect reports whether a group message addresses the bot and returns the
// text with self-mention tokens removed.
func (d *mentionDetector) Detect(ctx context.Context, groupID, text, msgSource string) (bool, string) {
	if !d.enabled || groupID == "" {
		return false, text
	}

	mentioned := atListContains(msgSource, d.wxid)

	nick := ""
	if d.members != nil {
		nick = strings.TrimSpace(d.members.Resolve(ctx, groupID, d.wxid))
	}
	if nick != "" && strings.Contains(text, "@"+nick) {
		mentioned = true
		text = stripMention(text, nick)
	}
	return mentioned, text
}

func atListContains(msgSource, wxid string) bool {
	if msgSource == "" || wxid == "" {
		return false
	}
	m := atUserListRe.FindStringSubmatch(msgSource)
	if m == nil {
		return false
	}
	inner := strings.TrimSpace(m[1])
	inner = strings.TrimSuffix(strings.TrimPrefix(inner, "<![CDATA["), "]]>")
	for _, id := range atListSplitRe.Split(inner, -1) {
		if id == wxid {
			return true
		}
	}
	return false
}

func stripMention(text, nick string) string {
	token := "@" + regexp.QuoteMeta(nick) + mentionSpaces
	leading := regexp.MustCompile(`^` + token)
	anywhere := regexp.MustCompile(token)

	text = strings.TrimSpace(leading.ReplaceAllString(text, ""))
	text = anywhere.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
