package channels

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wxclaw/wxclaw/pkg/bus"
	"github.com/wxclaw/wxclaw/pkg/config"
	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/metrics"
	"github.com/wxclaw/wxclaw/pkg/utils"
	"github.com/wxclaw/wxclaw/pkg/wxhttp"
)

const defaultMaxConsecutiveErrors = 10

// WxHTTPChannel long-polls a wxhttp protocol server for one account. All
// adapter state lives here so several accounts can run side by side.
type WxHTTPChannel struct {
	*BaseChannel
	config  config.WxHTTPConfig
	client  *wxhttp.Client
	queue   *wxhttp.Queue
	dedup   *Dedup
	members *MemberCache
	norm    *normalizer
	voice   VoiceEncoder

	ctx       context.Context
	cancel    context.CancelFunc
	pollDone  chan struct{}
	queueDone chan struct{}

	mu       sync.Mutex
	synckey  string
	failures int
	lastErr  string

	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewWxHTTPChannel(cfg config.WxHTTPConfig, messageBus *bus.MessageBus) (*WxHTTPChannel, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Wxid = strings.TrimSpace(cfg.Wxid)
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("wxhttp base_url not configured")
	}
	if cfg.Wxid == "" {
		return nil, fmt.Errorf("wxhttp wxid not configured")
	}
	if err := cfg.SendDelayRange.Validate(); err != nil {
		return nil, fmt.Errorf("send_delay_range: %w", err)
	}
	if err := cfg.APIRequestDelayRange.Validate(); err != nil {
		return nil, fmt.Errorf("api_request_delay_range: %w", err)
	}

	base := NewBaseChannel("wxhttp", cfg, messageBus, cfg.AllowFrom)

	client := wxhttp.NewClient(cfg.BaseURL, cfg.Wxid, cfg.RequestTimeout())
	queue := wxhttp.NewQueue(client.Post, cfg.Wxid,
		cfg.APIRequestDelayRange.MinDuration(), cfg.APIRequestDelayRange.MaxDuration())
	client.SetQueue(queue)

	c := &WxHTTPChannel{
		BaseChannel: base,
		config:      cfg,
		client:      client,
		queue:       queue,
		dedup:       NewDedup(defaultDedupCapacity),
		voice:       silkPassthrough{},
		randFloat:   rand.Float64,
		sleep:       sleepCtx,
	}

	c.members = NewMemberCache(c.fetchMembers, cfg.MemberCacheTTL(), cfg.EnableGroupMemberCache)
	c.norm = &normalizer{
		wxid:          cfg.Wxid,
		account:       cfg.Wxid,
		dedup:         c.dedup,
		members:       c.members,
		privateFilter: NewNicknameFilter(cfg.PrivateBlacklistKeywords, cfg.PrivateBlacklistRegex),
		groupFilter:   NewNicknameFilter(cfg.GroupBlacklistKeywords, cfg.GroupBlacklistRegex),
		mention: &mentionDetector{
			wxid:    cfg.Wxid,
			enabled: cfg.EnableAtWake,
			members: c.members,
		},
		media: &mediaFetcher{
			api:              client,
			account:          cfg.Wxid,
			root:             cfg.MediaPath(),
			imageChunkSize:   cfg.ImageChunkSize,
			videoChunkSize:   cfg.VideoChunkSize,
			imageChunkToWxid: cfg.ImageChunkToWxid,
			videoChunkToWxid: cfg.VideoChunkToWxid,
			nowFunc:          time.Now,
		},
		allow: c.IsAllowed,
	}
	return c, nil
}

// SetVoiceEncoder replaces the encoder used for non-silk audio sends.
func (c *WxHTTPChannel) SetVoiceEncoder(enc VoiceEncoder) {
	if enc != nil {
		c.voice = enc
	}
}

func (c *WxHTTPChannel) fetchMembers(ctx context.Context, chatroomID string) (map[string]string, error) {
	resp, err := c.client.GetChatRoomMemberDetail(ctx, chatroomID)
	if err != nil {
		return nil, err
	}
	return wxhttp.ChatRoomMembers(resp), nil
}

func (c *WxHTTPChannel) Start(ctx context.Context) error {
	logger.InfoCF("wxhttp", "Starting wxhttp channel", map[string]interface{}{
		"base_url":      c.config.BaseURL,
		"wxid":          c.config.Wxid,
		"poll_interval": c.config.PollInterval().String(),
		"synckey_mode":  c.config.UseClientSynckey,
	})

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.pollDone = make(chan struct{})
	c.queueDone = make(chan struct{})

	go func() {
		defer close(c.queueDone)
		c.queue.Run(c.ctx)
	}()
	go c.pollLoop(c.ctx)

	c.setRunning(true)
	logger.InfoC("wxhttp", "wxhttp channel started successfully")
	return nil
}

func (c *WxHTTPChannel) Stop(ctx context.Context) error {
	logger.InfoC("wxhttp", "Stopping wxhttp channel")
	c.setRunning(false)

	if c.cancel != nil {
		c.cancel()
	}
	for _, done := range []chan struct{}{c.pollDone, c.queueDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Done is closed when the poll loop exits.
func (c *WxHTTPChannel) Done() <-chan struct{} {
	return c.pollDone
}

func (c *WxHTTPChannel) maxConsecutiveErrors() int {
	if c.config.MaxConsecutiveErrors > 0 {
		return c.config.MaxConsecutiveErrors
	}
	return defaultMaxConsecutiveErrors
}

func (c *WxHTTPChannel) pollLoop(ctx context.Context) {
	defer close(c.pollDone)

	maxErrors := c.maxConsecutiveErrors()
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures := c.recordFailure(err)
			metrics.SyncCycles.WithLabelValues(c.config.Wxid, "error").Inc()
			logger.WarnCF("wxhttp", "Sync cycle failed", map[string]interface{}{
				"error":    err.Error(),
				"failures": failures,
				"max":      maxErrors,
			})
			if failures >= maxErrors {
				logger.ErrorCF("wxhttp", "Too many consecutive sync errors, stopping poll loop", map[string]interface{}{
					"failures": failures,
				})
				c.setRunning(false)
				return
			}
		} else {
			c.resetFailures()
			metrics.SyncCycles.WithLabelValues(c.config.Wxid, "ok").Inc()
		}

		if err := c.sleep(ctx, c.config.PollInterval()); err != nil {
			return
		}
	}
}

// pollOnce runs one sync round trip and dispatches the batch in order. A
// panic while processing counts as a failed cycle.
func (c *WxHTTPChannel) pollOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing sync batch: %v", r)
		}
	}()

	synckey := ""
	if c.config.UseClientSynckey {
		c.mu.Lock()
		synckey = c.synckey
		c.mu.Unlock()
	}

	resp, err := c.client.Sync(ctx, synckey)
	if err != nil {
		return err
	}
	batch, err := parseSyncBatch(resp)
	if err != nil {
		return err
	}

	if c.config.UseClientSynckey && batch.synckey != "" {
		c.mu.Lock()
		c.synckey = batch.synckey
		c.mu.Unlock()
	}

	for _, item := range batch.messages {
		ev, perr := parseRawEvent([]byte(item.Raw))
		if perr != nil {
			metrics.InboundMessages.WithLabelValues(c.config.Wxid, metrics.OutcomeUnsupported).Inc()
			logger.DebugCF("wxhttp", "Skipping raw event", map[string]interface{}{
				"type":  int(ev.Type),
				"error": perr.Error(),
			})
			continue
		}
		if msg := c.norm.Normalize(ctx, ev); msg != nil {
			c.dispatch(ctx, msg)
		}
	}
	return nil
}

func (c *WxHTTPChannel) dispatch(ctx context.Context, msg *NormalizedMessage) {
	metadata := map[string]string{
		"message_id":      msg.MessageID,
		"msg_type":        msg.MsgType.String(),
		"is_group":        strconv.FormatBool(msg.IsGroup),
		"sender_id":       msg.SenderID,
		"sender_nickname": msg.SenderNickname,
		"mentions_bot":    strconv.FormatBool(msg.MentionsBot),
	}
	if msg.IsGroup {
		metadata["group_id"] = msg.GroupID
	}
	if msg.MsgType == MsgTypeText {
		metadata["quote_text"] = msg.Text
	}

	var media []string
	if att := msg.Attachment; att != nil {
		media = []string{att.Location()}
		metadata["media_kind"] = att.Kind.String()
		if att.DurationMs > 0 {
			metadata["voice_duration_ms"] = strconv.Itoa(att.DurationMs)
		}
	}

	logger.InfoCF("wxhttp", "Received message", map[string]interface{}{
		"session":    msg.SessionID,
		"sender":     msg.SenderID,
		"message_id": msg.MessageID,
		"type":       msg.MsgType.String(),
		"mentioned":  msg.MentionsBot,
		"content":    utils.Truncate(msg.Text, 100),
	})

	c.HandleMessage(ctx, msg.SenderID, msg.SessionID, msg.Text, media, metadata)
}

func (c *WxHTTPChannel) recordFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastErr = err.Error()
	return c.failures
}

func (c *WxHTTPChannel) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastErr = ""
}

// Status reports runtime details for the gateway health endpoint.
func (c *WxHTTPChannel) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"wxid":                 c.config.Wxid,
		"consecutive_failures": c.failures,
		"last_error":           c.lastErr,
		"queue_depth":          c.queue.Len(),
		"dedup_size":           c.dedup.Len(),
		"synckey_mode":         c.config.UseClientSynckey,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
