package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/wxclaw/wxclaw/pkg/bus"
	"github.com/wxclaw/wxclaw/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

type BaseChannel struct {
	name      string
	config    interface{}
	bus       *bus.MessageBus
	allowList []string
	running   bool
	mu        sync.RWMutex
}

func NewBaseChannel(name string, config interface{}, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		config:    config,
		bus:       messageBus,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *BaseChannel) setRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// IsAllowed reports whether senderID passes the allow list. An empty list
// allows everyone. Compound ids like "wxid_a|Alice" match on any part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	for _, allowed := range c.allowList {
		if senderID == allowed {
			return true
		}
	}

	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			for _, allowed := range c.allowList {
				if part == allowed {
					return true
				}
			}
		}
	}

	return false
}

// HandleMessage publishes an inbound message keyed by channel and chat.
func (c *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string, media []string, metadata map[string]string) bool {
	msg := bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		SessionKey: c.name + ":" + chatID,
		Metadata:   metadata,
	}
	if !c.bus.PublishInbound(ctx, msg) {
		logger.WarnCF(c.name, "Inbound message not published", map[string]interface{}{
			"chat_id": chatID,
		})
		return false
	}
	return true
}
