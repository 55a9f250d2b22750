package channels

import (
	"context"
	"sync"
	"time"

	"github.com/wxclaw/wxclaw/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// memberFetcher returns the full member map of a chatroom.
type memberFetcher func(ctx context.Context, chatroomID string) (map[string]string, error)

type memberEntry struct {
	members     map[string]string
	refreshedAt time.Time
}

// MemberCache maps chatroom id to member id → nickname with a TTL. A TTL of
// zero or less means entries never expire once loaded.
type MemberCache struct {
	fetch   memberFetcher
	ttl     time.Duration
	enabled bool

	mu      sync.RWMutex
	entries map[string]memberEntry
	group   singleflight.Group

	nowFunc func() time.Time
}

func NewMemberCache(fetch memberFetcher, ttl time.Duration, enabled bool) *MemberCache {
	return &MemberCache{
		fetch:   fetch,
		ttl:     ttl,
		enabled: enabled,
		entries: make(map[string]memberEntry),
		nowFunc: time.Now,
	}
}

// Resolve returns the member's nickname, refreshing the chatroom on a miss or
// when stale. It returns "" when the member stays unknown.
func (mc *MemberCache) Resolve(ctx context.Context, chatroomID, memberID string) string {
	if !mc.enabled || chatroomID == "" || memberID == "" {
		return ""
	}

	if mc.stale(chatroomID) {
		mc.refresh(ctx, chatroomID)
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.entries[chatroomID].members[memberID]
}

func (mc *MemberCache) stale(chatroomID string) bool {
	mc.mu.RLock()
	entry, ok := mc.entries[chatroomID]
	mc.mu.RUnlock()
	if !ok {
		return true
	}
	if mc.ttl <= 0 {
		return false
	}
	return mc.nowFunc().Sub(entry.refreshedAt) >= mc.ttl
}

func (mc *MemberCache) refresh(ctx context.Context, chatroomID string) {
	_, _, _ = mc.group.Do(chatroomID, func() (interface{}, error) {
		members, err := mc.fetch(ctx, chatroomID)
		if err != nil {
			logger.WarnCF("wxhttp", "Chatroom member refresh failed", map[string]interface{}{
				"chatroom": chatroomID,
				"error":    err.Error(),
			})
			return nil, err
		}
		if len(members) == 0 {
			return nil, nil
		}

		mc.mu.Lock()
		mc.entries[chatroomID] = memberEntry{members: members, refreshedAt: mc.nowFunc()}
		mc.mu.Unlock()

		logger.DebugCF("wxhttp", "Chatroom members refreshed", map[string]interface{}{
			"chatroom": chatroomID,
			"members":  len(members),
		})
		return nil, nil
	})
}

// Invalidate drops a chatroom so the next lookup refetches it.
func (mc *MemberCache) Invalidate(chatroomID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.entries, chatroomID)
}
