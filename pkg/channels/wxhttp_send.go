package channels

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wxclaw/wxclaw/pkg/bus"
	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/utils"
	"github.com/wxclaw/wxclaw/pkg/wxhttp"
)

const (
	quoteMaxRunes       = 80
	defaultQuoteSpeaker = "对方"
	defaultVoiceMs      = 1000
)

var errVoiceCodec = errors.New("voice codec not configured")

// VoiceEncoder converts a local audio file to a silk payload and its
// duration in milliseconds.
type VoiceEncoder interface {
	Encode(ctx context.Context, path string) ([]byte, int, error)
}

// silkPassthrough only accepts files that are already silk.
type silkPassthrough struct{}

func (silkPassthrough) Encode(_ context.Context, path string) ([]byte, int, error) {
	if strings.ToLower(filepath.Ext(path)) != ".silk" {
		return nil, 0, errVoiceCodec
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return data, 0, nil
}

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

var audioExts = map[string]bool{
	".silk": true,
	".amr":  true,
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
}

// Send delivers text first, then each media path. Every item is attempted;
// the first error is returned.
func (c *WxHTTPChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("wxhttp channel not running")
	}
	to := strings.TrimSpace(msg.ChatID)
	if to == "" {
		return fmt.Errorf("wxhttp send: empty chat id")
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if text := strings.TrimSpace(msg.Content); text != "" {
		if err := c.pace(ctx); err != nil {
			return err
		}
		keep(c.sendText(ctx, to, text, msg.Metadata))
	}

	for _, path := range msg.Media {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if err := c.pace(ctx); err != nil {
			keep(err)
			break
		}
		keep(c.sendMedia(ctx, to, path, msg.Metadata))
	}

	if firstErr != nil {
		logger.ErrorCF("wxhttp", "Failed to send message", map[string]interface{}{
			"to":    to,
			"error": firstErr.Error(),
		})
	}
	return firstErr
}

// pace waits a random send_delay_range before each outbound item.
func (c *WxHTTPChannel) pace(ctx context.Context) error {
	r := c.config.SendDelayRange
	if r.IsZero() {
		return nil
	}
	span := r.MaxDuration() - r.MinDuration()
	d := r.MinDuration() + time.Duration(c.randFloat()*float64(span))
	return c.sleep(ctx, d)
}

func (c *WxHTTPChannel) sendText(ctx context.Context, to, text string, meta map[string]string) error {
	content, at := c.composeText(ctx, to, text, meta)
	resp, err := c.client.SendText(ctx, to, content, at)
	if err != nil {
		return err
	}
	warnNotOK("send_text", to, resp)
	logger.DebugCF("wxhttp", "Text sent", map[string]interface{}{
		"to":     to,
		"length": len(content),
		"at":     at,
	})
	return nil
}

// composeText applies the optional group quote prefix, then the mention.
func (c *WxHTTPChannel) composeText(ctx context.Context, to, text string, meta map[string]string) (string, string) {
	if !strings.HasSuffix(to, chatroomSuffix) {
		return text, ""
	}

	if c.config.ReplyWithQuote {
		if quote := strings.TrimSpace(meta["quote_text"]); quote != "" {
			speaker := firstNonEmpty(meta["sender_nickname"], defaultQuoteSpeaker)
			text = fmt.Sprintf("> %s: %s\n%s", speaker, utils.Clip(quote, quoteMaxRunes, "…"), text)
		}
	}

	at := ""
	if c.config.ReplyWithMention {
		if sender := strings.TrimSpace(meta["sender_id"]); sender != "" {
			nick := c.members.Resolve(ctx, to, sender)
			if nick == "" {
				nick = firstNonEmpty(meta["sender_nickname"], sender)
			}
			at = sender
			text = "@" + nick + " " + text
		}
	}
	return text, at
}

func (c *WxHTTPChannel) sendMedia(ctx context.Context, to, path string, meta map[string]string) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		return c.sendImage(ctx, to, path)
	case audioExts[ext]:
		return c.sendVoice(ctx, to, path, meta)
	default:
		logger.WarnCF("wxhttp", "Unsupported media type, skipping", map[string]interface{}{
			"path": path,
		})
		return nil
	}
}

func (c *WxHTTPChannel) sendImage(ctx context.Context, to, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	resp, err := c.client.UploadImage(ctx, to, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return err
	}
	warnNotOK("upload_image", to, resp)
	return nil
}

func (c *WxHTTPChannel) sendVoice(ctx context.Context, to, path string, meta map[string]string) error {
	data, durationMs, err := c.voice.Encode(ctx, path)
	if err != nil {
		return fmt.Errorf("encode voice %s: %w", filepath.Base(path), err)
	}
	if durationMs <= 0 {
		durationMs = defaultVoiceMs
		if v, err := strconv.Atoi(strings.TrimSpace(meta["voice_duration_ms"])); err == nil && v > 0 {
			durationMs = v
		}
	}
	resp, err := c.client.SendVoice(ctx, to, base64.StdEncoding.EncodeToString(data), durationMs)
	if err != nil {
		return err
	}
	warnNotOK("send_voice", to, resp)
	return nil
}

// warnNotOK logs a transport-level success the server still refused.
func warnNotOK(op, to string, resp *wxhttp.Response) {
	if resp.OK() {
		return
	}
	logger.WarnCF("wxhttp", "Server did not acknowledge send", map[string]interface{}{
		"op":      op,
		"to":      to,
		"message": resp.Message(),
	})
}
