package channels

import (
	"regexp"
	"strings"

	"github.com/wxclaw/wxclaw/pkg/logger"
	"golang.org/x/text/cases"
)

// NicknameFilter drops senders whose nickname contains a keyword
// (case-folded) or matches an optional case-insensitive regex.
type NicknameFilter struct {
	keywords []string
	pattern  *regexp.Regexp
}

func NewNicknameFilter(keywords []string, pattern string) *NicknameFilter {
	fold := cases.Fold()
	f := &NicknameFilter{}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		f.keywords = append(f.keywords, fold.String(kw))
	}

	pattern = strings.TrimSpace(pattern)
	if pattern != "" {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			logger.WarnCF("wxhttp", "Invalid blacklist regex, ignoring", map[string]interface{}{
				"regex": pattern,
				"error": err.Error(),
			})
		} else {
			f.pattern = re
		}
	}
	return f
}

func (f *NicknameFilter) Match(nicknameOrID string) bool {
	if f == nil || nicknameOrID == "" {
		return false
	}
	if len(f.keywords) > 0 {
		haystack := cases.Fold().String(nicknameOrID)
		for _, kw := range f.keywords {
			if strings.Contains(haystack, kw) {
				return true
			}
		}
	}
	return f.pattern != nil && f.pattern.MatchString(nicknameOrID)
}
