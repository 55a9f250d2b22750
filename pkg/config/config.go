package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/wxclaw/wxclaw/pkg/logger"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers and a
// single comma-separated string, so allow_from can contain both "123" and 123
// and blacklist keywords can be written as "微信,wx,wechat".
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = splitCSV(s)
		return nil
	}

	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

func (f *FlexibleStringSlice) UnmarshalText(text []byte) error {
	*f = splitCSV(string(text))
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DelayRange is a [Min, Max] pause in seconds. It is written either as
// "min,max" or as a two-element array.
type DelayRange struct {
	Min float64
	Max float64
}

func ParseDelayRange(s string) (DelayRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DelayRange{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return DelayRange{}, fmt.Errorf("delay range %q: want \"min,max\"", s)
	}
	minVal, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return DelayRange{}, fmt.Errorf("delay range %q: bad min: %w", s, err)
	}
	maxVal, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return DelayRange{}, fmt.Errorf("delay range %q: bad max: %w", s, err)
	}
	r := DelayRange{Min: minVal, Max: maxVal}
	if err := r.Validate(); err != nil {
		return DelayRange{}, err
	}
	return r, nil
}

func (r DelayRange) Validate() error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("delay range %g,%g: need 0 <= min <= max", r.Min, r.Max)
	}
	return nil
}

func (r DelayRange) IsZero() bool {
	return r.Max <= 0
}

func (r DelayRange) MinDuration() time.Duration {
	return secondsToDuration(r.Min)
}

func (r DelayRange) MaxDuration() time.Duration {
	return secondsToDuration(r.Max)
}

func (r DelayRange) String() string {
	return fmt.Sprintf("%g,%g", r.Min, r.Max)
}

// UnmarshalJSON keeps the current value when the input is not a valid range.
func (r *DelayRange) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.set(s, func() (DelayRange, error) { return ParseDelayRange(s) })
		return nil
	}

	r.set(string(data), func() (DelayRange, error) {
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return DelayRange{}, fmt.Errorf("delay range: %w", err)
		}
		if len(pair) != 2 {
			return DelayRange{}, fmt.Errorf("delay range: want 2 values, got %d", len(pair))
		}
		parsed := DelayRange{Min: pair[0], Max: pair[1]}
		return parsed, parsed.Validate()
	})
	return nil
}

func (r *DelayRange) set(input string, parse func() (DelayRange, error)) {
	parsed, err := parse()
	if err != nil {
		logger.WarnCF("config", "Invalid delay range, keeping default", map[string]interface{}{
			"value":   input,
			"default": r.String(),
			"error":   err.Error(),
		})
		return
	}
	*r = parsed
}

func (r DelayRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *DelayRange) UnmarshalText(text []byte) error {
	r.set(string(text), func() (DelayRange, error) { return ParseDelayRange(string(text)) })
	return nil
}

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging"`
	Media    MediaConfig    `json:"media"`
	mu       sync.RWMutex
}

type ChannelsConfig struct {
	WxHTTP WxHTTPConfig `json:"wxhttp"`
}

type WxHTTPConfig struct {
	Enabled                   bool                `json:"enabled" env:"WXCLAW_CHANNELS_WXHTTP_ENABLED"`
	BaseURL                   string              `json:"base_url" env:"WXCLAW_CHANNELS_WXHTTP_BASE_URL"`
	Wxid                      string              `json:"wxid" env:"WXCLAW_CHANNELS_WXHTTP_WXID"`
	PollIntervalSec           float64             `json:"poll_interval_sec" env:"WXCLAW_CHANNELS_WXHTTP_POLL_INTERVAL_SEC"`
	UseClientSynckey          bool                `json:"use_client_synckey" env:"WXCLAW_CHANNELS_WXHTTP_USE_CLIENT_SYNCKEY"`
	RequestTimeoutSec         float64             `json:"request_timeout_sec" env:"WXCLAW_CHANNELS_WXHTTP_REQUEST_TIMEOUT_SEC"`
	PrivateBlacklistKeywords  FlexibleStringSlice `json:"private_blacklist_keywords" env:"WXCLAW_CHANNELS_WXHTTP_PRIVATE_BLACKLIST_KEYWORDS"`
	PrivateBlacklistRegex     string              `json:"private_blacklist_regex" env:"WXCLAW_CHANNELS_WXHTTP_PRIVATE_BLACKLIST_REGEX"`
	GroupBlacklistKeywords    FlexibleStringSlice `json:"group_blacklist_keywords" env:"WXCLAW_CHANNELS_WXHTTP_GROUP_BLACKLIST_KEYWORDS"`
	GroupBlacklistRegex       string              `json:"group_blacklist_regex" env:"WXCLAW_CHANNELS_WXHTTP_GROUP_BLACKLIST_REGEX"`
	SendDelayRange            DelayRange          `json:"send_delay_range" env:"WXCLAW_CHANNELS_WXHTTP_SEND_DELAY_RANGE"`
	APIRequestDelayRange      DelayRange          `json:"api_request_delay_range" env:"WXCLAW_CHANNELS_WXHTTP_API_REQUEST_DELAY_RANGE"`
	ChatroomMemberCacheTTLSec float64             `json:"chatroom_member_cache_ttl_sec" env:"WXCLAW_CHANNELS_WXHTTP_CHATROOM_MEMBER_CACHE_TTL_SEC"`
	MaxConsecutiveErrors      int                 `json:"max_consecutive_errors" env:"WXCLAW_CHANNELS_WXHTTP_MAX_CONSECUTIVE_ERRORS"`
	EnableAtWake              bool                `json:"enable_at_wake" env:"WXCLAW_CHANNELS_WXHTTP_ENABLE_AT_WAKE"`
	EnableGroupMemberCache    bool                `json:"enable_group_member_cache" env:"WXCLAW_CHANNELS_WXHTTP_ENABLE_GROUP_MEMBER_CACHE"`
	ReplyWithMention          bool                `json:"reply_with_mention" env:"WXCLAW_CHANNELS_WXHTTP_REPLY_WITH_MENTION"`
	ReplyWithQuote            bool                `json:"reply_with_quote" env:"WXCLAW_CHANNELS_WXHTTP_REPLY_WITH_QUOTE"`
	MediaDir                  string              `json:"media_dir" env:"WXCLAW_CHANNELS_WXHTTP_MEDIA_DIR"`
	ImageChunkSize            int                 `json:"image_chunk_size" env:"WXCLAW_CHANNELS_WXHTTP_IMAGE_CHUNK_SIZE"`
	VideoChunkSize            int                 `json:"video_chunk_size" env:"WXCLAW_CHANNELS_WXHTTP_VIDEO_CHUNK_SIZE"`
	ImageChunkToWxid          bool                `json:"image_chunk_to_wxid" env:"WXCLAW_CHANNELS_WXHTTP_IMAGE_CHUNK_TO_WXID"`
	VideoChunkToWxid          bool                `json:"video_chunk_to_wxid" env:"WXCLAW_CHANNELS_WXHTTP_VIDEO_CHUNK_TO_WXID"`
	AllowFrom                 FlexibleStringSlice `json:"allow_from" env:"WXCLAW_CHANNELS_WXHTTP_ALLOW_FROM"`
}

func (c WxHTTPConfig) PollInterval() time.Duration {
	return secondsToDuration(c.PollIntervalSec)
}

func (c WxHTTPConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return secondsToDuration(c.RequestTimeoutSec)
}

// MemberCacheTTL returns 0 when expiry is disabled.
func (c WxHTTPConfig) MemberCacheTTL() time.Duration {
	if c.ChatroomMemberCacheTTLSec <= 0 {
		return 0
	}
	return secondsToDuration(c.ChatroomMemberCacheTTLSec)
}

func (c WxHTTPConfig) MediaPath() string {
	return expandHome(c.MediaDir)
}

func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

type GatewayConfig struct {
	Host string `json:"host" env:"WXCLAW_GATEWAY_HOST"`
	Port int    `json:"port" env:"WXCLAW_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level      string `json:"level" env:"WXCLAW_LOGGING_LEVEL"`
	File       string `json:"file" env:"WXCLAW_LOGGING_FILE"`
	MaxSizeMB  int    `json:"max_size_mb" env:"WXCLAW_LOGGING_MAX_SIZE_MB"`
	MaxBackups int    `json:"max_backups" env:"WXCLAW_LOGGING_MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" env:"WXCLAW_LOGGING_MAX_AGE_DAYS"`
}

type MediaConfig struct {
	RetentionDays int    `json:"retention_days" env:"WXCLAW_MEDIA_RETENTION_DAYS"`
	CleanupCron   string `json:"cleanup_cron" env:"WXCLAW_MEDIA_CLEANUP_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			WxHTTP: WxHTTPConfig{
				Enabled:                   false,
				BaseURL:                   "",
				Wxid:                      "",
				PollIntervalSec:           1.5,
				UseClientSynckey:          false,
				RequestTimeoutSec:         60,
				PrivateBlacklistKeywords:  FlexibleStringSlice{"微信", "wx", "wechat"},
				GroupBlacklistKeywords:    FlexibleStringSlice{},
				ChatroomMemberCacheTTLSec: 600,
				MaxConsecutiveErrors:      10,
				EnableAtWake:              true,
				EnableGroupMemberCache:    true,
				MediaDir:                  "~/.wxclaw/wxhttp_media",
				ImageChunkSize:            65536,
				VideoChunkSize:            65536,
				ImageChunkToWxid:          true,
				VideoChunkToWxid:          true,
				AllowFrom:                 FlexibleStringSlice{},
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Media: MediaConfig{
			RetentionDays: 7,
			CleanupCron:   "0 4 * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.File)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
