package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigWxHTTP(t *testing.T) {
	cfg := DefaultConfig().Channels.WxHTTP

	if cfg.PollInterval() != 1500*time.Millisecond {
		t.Fatalf("poll interval = %v, want 1.5s", cfg.PollInterval())
	}
	if cfg.MaxConsecutiveErrors != 10 {
		t.Fatalf("max_consecutive_errors = %d, want 10", cfg.MaxConsecutiveErrors)
	}
	if cfg.MemberCacheTTL() != 600*time.Second {
		t.Fatalf("member cache ttl = %v, want 600s", cfg.MemberCacheTTL())
	}
	if len(cfg.PrivateBlacklistKeywords) != 3 || cfg.PrivateBlacklistKeywords[1] != "wx" {
		t.Fatalf("private blacklist = %v", cfg.PrivateBlacklistKeywords)
	}
	if cfg.ImageChunkSize != 65536 || cfg.VideoChunkSize != 65536 {
		t.Fatalf("chunk sizes = %d/%d", cfg.ImageChunkSize, cfg.VideoChunkSize)
	}
}

func TestLoadConfigParsesStringForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "channels": {
    "wxhttp": {
      "enabled": true,
      "base_url": "http://127.0.0.1:8059/api",
      "wxid": "wxid_bot",
      "private_blacklist_keywords": "spam, ads ,",
      "send_delay_range": "1.5,3",
      "api_request_delay_range": [0.2, 0.4],
      "allow_from": ["wxid_a", 12345]
    }
  }
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	w := cfg.Channels.WxHTTP
	if !w.Enabled || w.Wxid != "wxid_bot" {
		t.Fatalf("unexpected wxhttp config: %+v", w)
	}
	if len(w.PrivateBlacklistKeywords) != 2 || w.PrivateBlacklistKeywords[1] != "ads" {
		t.Fatalf("keywords = %v", w.PrivateBlacklistKeywords)
	}
	if w.SendDelayRange != (DelayRange{Min: 1.5, Max: 3}) {
		t.Fatalf("send_delay_range = %+v", w.SendDelayRange)
	}
	if w.APIRequestDelayRange != (DelayRange{Min: 0.2, Max: 0.4}) {
		t.Fatalf("api_request_delay_range = %+v", w.APIRequestDelayRange)
	}
	if len(w.AllowFrom) != 2 || w.AllowFrom[1] != "12345" {
		t.Fatalf("allow_from = %v", w.AllowFrom)
	}
	// defaults survive partial files
	if w.MaxConsecutiveErrors != 10 {
		t.Fatalf("max_consecutive_errors = %d, want default 10", w.MaxConsecutiveErrors)
	}
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	t.Setenv("WXCLAW_CHANNELS_WXHTTP_WXID", "wxid_env")
	t.Setenv("WXCLAW_CHANNELS_WXHTTP_API_REQUEST_DELAY_RANGE", "0.5,1")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Channels.WxHTTP.Wxid != "wxid_env" {
		t.Fatalf("wxid = %q, want wxid_env", cfg.Channels.WxHTTP.Wxid)
	}
	if cfg.Channels.WxHTTP.APIRequestDelayRange != (DelayRange{Min: 0.5, Max: 1}) {
		t.Fatalf("delay = %+v", cfg.Channels.WxHTTP.APIRequestDelayRange)
	}
}

func TestParseDelayRangeErrors(t *testing.T) {
	for _, in := range []string{"3,1", "-1,2", "abc", "1,2,3"} {
		if _, err := ParseDelayRange(in); err == nil {
			t.Fatalf("ParseDelayRange(%q) expected error", in)
		}
	}
	r, err := ParseDelayRange("")
	if err != nil || !r.IsZero() {
		t.Fatalf("empty range = %+v, %v", r, err)
	}
}

func TestLoadConfigInvalidDelayRangeKeepsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "channels": {
    "wxhttp": {
      "base_url": "http://127.0.0.1:8059/api",
      "wxid": "wxid_bot",
      "send_delay_range": "5,1",
      "api_request_delay_range": [-1, 2]
    }
  }
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	w := cfg.Channels.WxHTTP
	if w.SendDelayRange != (DelayRange{}) {
		t.Fatalf("send_delay_range = %+v, want 0,0", w.SendDelayRange)
	}
	if w.APIRequestDelayRange != (DelayRange{}) {
		t.Fatalf("api_request_delay_range = %+v, want 0,0", w.APIRequestDelayRange)
	}
	if w.Wxid != "wxid_bot" {
		t.Fatalf("wxid = %q", w.Wxid)
	}
}

func TestDelayRangeUnmarshalTextKeepsCurrent(t *testing.T) {
	r := DelayRange{Min: 1, Max: 2}
	if err := r.UnmarshalText([]byte("oops")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if r != (DelayRange{Min: 1, Max: 2}) {
		t.Fatalf("range = %+v, want unchanged", r)
	}
	if err := r.UnmarshalText([]byte("0.5,0.75")); err != nil || r != (DelayRange{Min: 0.5, Max: 0.75}) {
		t.Fatalf("range = %+v, %v", r, err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Channels.WxHTTP.SendDelayRange = DelayRange{Min: 1, Max: 2}

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Channels.WxHTTP.SendDelayRange != cfg.Channels.WxHTTP.SendDelayRange {
		t.Fatalf("send_delay_range = %+v", loaded.Channels.WxHTTP.SendDelayRange)
	}
}
