package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wxclaw/wxclaw/pkg/bus"
	"github.com/wxclaw/wxclaw/pkg/config"
)

type recordedCall struct {
	Path string
	Body map[string]interface{}
}

type fakeServer struct {
	*httptest.Server
	mu    sync.Mutex
	calls []recordedCall
}

func newFakeServer(t *testing.T, handler func(path string, body map[string]interface{}) (int, string)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		fs.mu.Lock()
		fs.calls = append(fs.calls, recordedCall{Path: r.URL.Path, Body: body})
		fs.mu.Unlock()
		status, resp := handler(r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) callsTo(path string) []recordedCall {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []recordedCall
	for _, c := range fs.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func testWxHTTPConfig(t *testing.T, baseURL string) config.WxHTTPConfig {
	t.Helper()
	cfg := config.DefaultConfig().Channels.WxHTTP
	cfg.Enabled = true
	cfg.BaseURL = baseURL
	cfg.Wxid = "wxid_bot"
	cfg.MediaDir = t.TempDir()
	cfg.RequestTimeoutSec = 2
	return cfg
}

func newTestChannel(t *testing.T, cfg config.WxHTTPConfig) (*WxHTTPChannel, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus()
	c, err := NewWxHTTPChannel(cfg, mb)
	if err != nil {
		t.Fatalf("NewWxHTTPChannel: %v", err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return sleepCtx(ctx, time.Millisecond)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
		mb.Close()
	})
	return c, mb
}

// startSendPath runs only the queue worker so outbound tests see no polling.
func startSendPath(t *testing.T, c *WxHTTPChannel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.queue.Run(ctx)
	}()
	c.setRunning(true)
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewWxHTTPChannelValidates(t *testing.T) {
	cfg := config.DefaultConfig().Channels.WxHTTP
	if _, err := NewWxHTTPChannel(cfg, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error for missing base_url")
	}
	cfg.BaseURL = "http://127.0.0.1:1"
	if _, err := NewWxHTTPChannel(cfg, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error for missing wxid")
	}
	cfg.Wxid = "wxid_bot"
	cfg.SendDelayRange = config.DelayRange{Min: 3, Max: 1}
	if _, err := NewWxHTTPChannel(cfg, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error for inverted delay range")
	}
}

func TestPollLoopStopsAfterConsecutiveFailures(t *testing.T) {
	var syncs int32
	srv := newFakeServer(t, func(path string, _ map[string]interface{}) (int, string) {
		atomic.AddInt32(&syncs, 1)
		return http.StatusInternalServerError, "down"
	})
	cfg := testWxHTTPConfig(t, srv.URL)
	cfg.MaxConsecutiveErrors = 3
	c, _ := newTestChannel(t, cfg)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("poll loop did not stop")
	}
	if got := atomic.LoadInt32(&syncs); got != 3 {
		t.Fatalf("sync attempts = %d, want 3", got)
	}
	if c.IsRunning() {
		t.Fatal("channel should be marked not running")
	}
	if st := c.Status(); st["consecutive_failures"] != 3 {
		t.Fatalf("status = %v", st)
	}
}

func TestPollLoopResetsFailuresOnSuccess(t *testing.T) {
	var syncs int32
	srv := newFakeServer(t, func(path string, _ map[string]interface{}) (int, string) {
		n := atomic.AddInt32(&syncs, 1)
		// Two failures, one success, then failures until the loop gives up.
		if n == 3 {
			return http.StatusOK, `{"Code":0,"Data":{"AddMsgs":null}}`
		}
		return http.StatusBadGateway, "bad"
	})
	cfg := testWxHTTPConfig(t, srv.URL)
	cfg.MaxConsecutiveErrors = 3
	c, _ := newTestChannel(t, cfg)

	_ = c.Start(context.Background())
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("poll loop did not stop")
	}
	if got := atomic.LoadInt32(&syncs); got != 6 {
		t.Fatalf("sync attempts = %d, want 6", got)
	}
}

func TestPollLoopMalformedAddMsgsCountsAsFailure(t *testing.T) {
	var syncs int32
	srv := newFakeServer(t, func(path string, _ map[string]interface{}) (int, string) {
		atomic.AddInt32(&syncs, 1)
		return http.StatusOK, `{"Code":0,"Data":{"AddMsgs":"oops"}}`
	})
	cfg := testWxHTTPConfig(t, srv.URL)
	cfg.MaxConsecutiveErrors = 2
	c, _ := newTestChannel(t, cfg)

	_ = c.Start(context.Background())
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("poll loop did not stop")
	}
	if got := atomic.LoadInt32(&syncs); got != 2 {
		t.Fatalf("sync attempts = %d, want 2", got)
	}
}

const syncBatchJSON = `{"Code":0,"Data":{"KeyBuf":{"buffer":"cursor-1"},"AddMsgs":[
	{"MsgId":1,"NewMsgId":1001,"MsgType":1,"FromUserName":{"string":"wxid_alice"},"ToUserName":{"string":"wxid_bot"},"Content":{"string":"first"},"PushContent":"Alice : first"},
	{"MsgId":2,"NewMsgId":1002,"MsgType":10002,"FromUserName":{"string":"wxid_alice"},"ToUserName":{"string":"wxid_bot"},"Content":{"string":"revoke"}},
	{"MsgId":3,"NewMsgId":1003,"MsgType":1,"FromUserName":{"string":"room@chatroom"},"ToUserName":{"string":"wxid_bot"},"Content":{"string":"wxid_carol:\n@Bot second"},"MsgSource":"<msgsource><atuserlist>wxid_bot</atuserlist></msgsource>"},
	{"MsgId":1,"NewMsgId":1001,"MsgType":1,"FromUserName":{"string":"wxid_alice"},"ToUserName":{"string":"wxid_bot"},"Content":{"string":"first"},"PushContent":"Alice : first"}
]}}`

func TestPollLoopPublishesInOrder(t *testing.T) {
	var syncs int32
	srv := newFakeServer(t, func(path string, body map[string]interface{}) (int, string) {
		switch path {
		case "/Msg/Sync":
			if atomic.AddInt32(&syncs, 1) == 1 {
				return http.StatusOK, syncBatchJSON
			}
			return http.StatusOK, `{"Code":0,"Data":{"AddMsgs":[]}}`
		case "/Group/GetChatRoomMemberDetail":
			return http.StatusOK, `{"Code":0,"Data":{"NewChatroomData":{"ChatRoomMember":[
				{"UserName":"wxid_bot","NickName":"Bot"},
				{"UserName":"wxid_carol","NickName":"Carol"}]}}}`
		}
		return http.StatusNotFound, "{}"
	})
	cfg := testWxHTTPConfig(t, srv.URL)
	cfg.UseClientSynckey = true
	c, mb := newTestChannel(t, cfg)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no first message")
	}
	if first.Content != "first" || first.ChatID != "wxid_alice" || first.Metadata["message_id"] != "1001" {
		t.Fatalf("unexpected first message: %+v", first)
	}
	if first.SessionKey != "wxhttp:wxid_alice" {
		t.Fatalf("session key = %q", first.SessionKey)
	}

	second, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no second message")
	}
	if second.Content != "second" || second.ChatID != "room@chatroom" || second.SenderID != "wxid_carol" {
		t.Fatalf("unexpected second message: %+v", second)
	}
	if second.Metadata["mentions_bot"] != "true" || second.Metadata["sender_nickname"] != "Carol" {
		t.Fatalf("unexpected metadata: %v", second.Metadata)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	if extra, ok := mb.ConsumeInbound(shortCtx); ok {
		t.Fatalf("duplicate should not be published: %+v", extra)
	}

	syncCalls := srv.callsTo("/Msg/Sync")
	if len(syncCalls) < 2 {
		t.Fatalf("sync calls = %d", len(syncCalls))
	}
	if syncCalls[0].Body["Synckey"] != "" || syncCalls[1].Body["Synckey"] != "cursor-1" {
		t.Fatalf("synckey not tracked: %v / %v", syncCalls[0].Body, syncCalls[1].Body)
	}
}

func TestStopEndsPolling(t *testing.T) {
	srv := newFakeServer(t, func(string, map[string]interface{}) (int, string) {
		return http.StatusOK, `{"Code":0,"Data":{}}`
	})
	c, _ := newTestChannel(t, testWxHTTPConfig(t, srv.URL))
	_ = c.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("poll loop still running after Stop")
	}
}

func TestSendTextWithQuoteAndMention(t *testing.T) {
	srv := newFakeServer(t, func(path string, _ map[string]interface{}) (int, string) {
		if path == "/Group/GetChatRoomMemberDetail" {
			return http.StatusOK, `{"Code":0,"Data":{"NewChatroomData":{"ChatRoomMember":[{"UserName":"wxid_carol","NickName":"Carol"}]}}}`
		}
		return http.StatusOK, `{"Code":0}`
	})
	cfg := testWxHTTPConfig(t, srv.URL)
	cfg.ReplyWithMention = true
	cfg.ReplyWithQuote = true
	c, _ := newTestChannel(t, cfg)
	startSendPath(t, c)

	err := c.Send(context.Background(), bus.OutboundMessage{
		Channel: "wxhttp",
		ChatID:  "room@chatroom",
		Content: "sure",
		Metadata: map[string]string{
			"sender_id":       "wxid_carol",
			"sender_nickname": "carol-push",
			"quote_text":      "can you help?",
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sends := srv.callsTo("/Msg/SendTxt")
	if len(sends) != 1 {
		t.Fatalf("SendTxt calls = %d", len(sends))
	}
	body := sends[0].Body
	if body["At"] != "wxid_carol" || body["ToWxid"] != "room@chatroom" {
		t.Fatalf("unexpected send body: %v", body)
	}
	want := "@Carol > carol-push: can you help?\nsure"
	if body["Content"] != want {
		t.Fatalf("content = %q, want %q", body["Content"], want)
	}
}

func TestComposeTextQuote(t *testing.T) {
	cfg := testWxHTTPConfig(t, "http://127.0.0.1:1")
	cfg.ReplyWithQuote = true
	c, _ := newTestChannel(t, cfg)

	long := strings.Repeat("字", 90)
	meta := map[string]string{"quote_text": long}

	text, at := c.composeText(context.Background(), "room@chatroom", "ok", meta)
	if at != "" {
		t.Fatalf("mention disabled, got at=%q", at)
	}
	want := "> 对方: " + strings.Repeat("字", 80) + "…\nok"
	if text != want {
		t.Fatalf("text = %q", text)
	}

	text, _ = c.composeText(context.Background(), "wxid_alice", "ok", meta)
	if text != "ok" {
		t.Fatalf("private replies are never quoted, got %q", text)
	}
}

func TestSendMediaVoiceAndImage(t *testing.T) {
	srv := newFakeServer(t, func(string, map[string]interface{}) (int, string) {
		return http.StatusOK, `{"Code":0}`
	})
	c, _ := newTestChannel(t, testWxHTTPConfig(t, srv.URL))
	startSendPath(t, c)

	dir := t.TempDir()
	voice := filepath.Join(dir, "reply.silk")
	img := filepath.Join(dir, "pic.png")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{voice, img, other} {
		if err := os.WriteFile(p, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	err := c.Send(context.Background(), bus.OutboundMessage{
		ChatID:   "wxid_alice",
		Media:    []string{voice, img, other},
		Metadata: map[string]string{"voice_duration_ms": "400"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	voices := srv.callsTo("/Msg/SendVoice")
	if len(voices) != 1 || voices[0].Body["VoiceTime"] != float64(1000) || voices[0].Body["Type"] != float64(4) {
		t.Fatalf("unexpected voice calls: %v", voices)
	}
	if len(srv.callsTo("/Msg/UploadImg")) != 1 {
		t.Fatal("expected one image upload")
	}
}

func TestSendReturnsFirstErrorAndContinues(t *testing.T) {
	srv := newFakeServer(t, func(path string, _ map[string]interface{}) (int, string) {
		if path == "/Msg/SendTxt" {
			return http.StatusInternalServerError, "fail"
		}
		return http.StatusOK, `{"Code":0}`
	})
	c, _ := newTestChannel(t, testWxHTTPConfig(t, srv.URL))
	startSendPath(t, c)

	img := filepath.Join(t.TempDir(), "a.jpg")
	_ = os.WriteFile(img, []byte("\xff\xd8\xff"), 0644)

	err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "wxid_alice", Content: "hi", Media: []string{img}})
	if err == nil {
		t.Fatal("expected text send error")
	}
	if len(srv.callsTo("/Msg/UploadImg")) != 1 {
		t.Fatal("image should still be attempted after the text failure")
	}
}

func TestSendPacesEachItem(t *testing.T) {
	srv := newFakeServer(t, func(string, map[string]interface{}) (int, string) {
		return http.StatusOK, `{"Code":0}`
	})
	cfg := testWxHTTPConfig(t, srv.URL)
	cfg.SendDelayRange = config.DelayRange{Min: 1, Max: 3}
	c, _ := newTestChannel(t, cfg)
	startSendPath(t, c)

	var waits []time.Duration
	c.randFloat = func() float64 { return 0.5 }
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	img := filepath.Join(t.TempDir(), "a.png")
	_ = os.WriteFile(img, []byte("\x89PNG"), 0644)
	if err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "wxid_alice", Content: "hi", Media: []string{img}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 2*time.Second {
		t.Fatalf("waits = %v", waits)
	}
}

func TestSendRequiresRunning(t *testing.T) {
	c, _ := newTestChannel(t, testWxHTTPConfig(t, "http://127.0.0.1:1"))
	if err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "wxid_alice", Content: "hi"}); err == nil {
		t.Fatal("expected error when not running")
	}
}
