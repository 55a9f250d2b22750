package wxhttp

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"github.com/wxclaw/wxclaw/pkg/logger"
)

const (
	PathSync               = "/Msg/Sync"
	PathSendText           = "/Msg/SendTxt"
	PathUploadImage        = "/Msg/UploadImg"
	PathSendVoice          = "/Msg/SendVoice"
	PathDownloadImage      = "/Tools/DownloadImg"
	PathCdnDownloadImage   = "/Tools/CdnDownloadImage"
	PathDownloadVoice      = "/Tools/DownloadVoice"
	PathDownloadVideo      = "/Tools/DownloadVideo"
	PathChatRoomMemberInfo = "/Group/GetChatRoomMemberDetail"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultChunkSize = 65536
	maxErrorBody     = 500
)

// Client maps each wxhttp endpoint to one method. Every call except Sync is
// routed through the attached Queue when one is set.
type Client struct {
	baseURL string
	wxid    string
	http    *resty.Client
	queue   *Queue
}

func NewClient(baseURL, wxid string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		baseURL: baseURL,
		wxid:    wxid,
		http:    httpClient,
	}
}

func (c *Client) Wxid() string {
	return c.wxid
}

func (c *Client) SetQueue(q *Queue) {
	c.queue = q
}

// Post performs one JSON POST without queueing.
func (c *Client) Post(ctx context.Context, path string, payload interface{}) (*Response, error) {
	url := c.baseURL + path

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(path)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, URL: url, Err: err}
	}

	body := resp.Body()
	if !resp.IsSuccess() {
		return nil, &APIError{Kind: KindHTTP, URL: url, Status: resp.StatusCode(), Body: string(body)}
	}
	if !gjson.ValidBytes(body) {
		raw := body
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, &APIError{Kind: KindDecode, URL: url, Status: resp.StatusCode(), Body: string(raw)}
	}

	return &Response{Body: body}, nil
}

func (c *Client) call(ctx context.Context, op, path string, payload interface{}) (*Response, error) {
	if c.queue == nil {
		return c.Post(ctx, path, payload)
	}
	return c.queue.Do(ctx, op, path, payload)
}

type syncRequest struct {
	Scene   int    `json:"Scene"`
	Synckey string `json:"Synckey"`
	Wxid    string `json:"Wxid"`
}

// Sync bypasses the queue so polling cadence is independent of send pacing.
func (c *Client) Sync(ctx context.Context, synckey string) (*Response, error) {
	logger.DebugCF("wxhttp", "Sync", map[string]interface{}{
		"has_synckey": synckey != "",
	})
	return c.Post(ctx, PathSync, syncRequest{Scene: 0, Synckey: synckey, Wxid: c.wxid})
}

type sendTextRequest struct {
	At      string `json:"At"`
	Content string `json:"Content"`
	ToWxid  string `json:"ToWxid"`
	Type    int    `json:"Type"`
	Wxid    string `json:"Wxid"`
}

func (c *Client) SendText(ctx context.Context, toWxid, content, at string) (*Response, error) {
	return c.call(ctx, "send_text", PathSendText, sendTextRequest{
		At:      at,
		Content: content,
		ToWxid:  toWxid,
		Type:    1,
		Wxid:    c.wxid,
	})
}

type uploadImageRequest struct {
	Base64 string `json:"Base64"`
	ToWxid string `json:"ToWxid"`
	Wxid   string `json:"Wxid"`
}

func (c *Client) UploadImage(ctx context.Context, toWxid, b64 string) (*Response, error) {
	return c.call(ctx, "upload_image", PathUploadImage, uploadImageRequest{
		Base64: b64,
		ToWxid: toWxid,
		Wxid:   c.wxid,
	})
}

type sendVoiceRequest struct {
	Base64    string `json:"Base64"`
	ToWxid    string `json:"ToWxid"`
	Type      int    `json:"Type"`
	VoiceTime int    `json:"VoiceTime"`
	Wxid      string `json:"Wxid"`
}

// SendVoice sends a silk payload. voiceTimeMs is clamped to at least 1000.
func (c *Client) SendVoice(ctx context.Context, toWxid, b64 string, voiceTimeMs int) (*Response, error) {
	if voiceTimeMs < 1000 {
		voiceTimeMs = 1000
	}
	return c.call(ctx, "send_voice", PathSendVoice, sendVoiceRequest{
		Base64:    b64,
		ToWxid:    toWxid,
		Type:      4,
		VoiceTime: voiceTimeMs,
		Wxid:      c.wxid,
	})
}

type section struct {
	DataLen  int `json:"DataLen"`
	StartPos int `json:"StartPos"`
}

type chunkRequest struct {
	CompressType int     `json:"CompressType"`
	DataLen      int     `json:"DataLen"`
	MsgId        int64   `json:"MsgId"`
	Section      section `json:"Section"`
	ToWxid       string  `json:"ToWxid,omitempty"`
	Wxid         string  `json:"Wxid"`
}

// Chunk describes one sectioned download. ToWxid is omitted when empty.
type Chunk struct {
	MsgID    int64
	TotalLen int
	StartPos int
	Length   int
	ToWxid   string
}

func (c *Client) chunkPayload(ch Chunk) chunkRequest {
	return chunkRequest{
		CompressType: 0,
		DataLen:      ch.TotalLen,
		MsgId:        ch.MsgID,
		Section:      section{DataLen: ch.Length, StartPos: ch.StartPos},
		ToWxid:       ch.ToWxid,
		Wxid:         c.wxid,
	}
}

func (c *Client) DownloadImageChunk(ctx context.Context, ch Chunk) (*Response, error) {
	return c.call(ctx, "download_image", PathDownloadImage, c.chunkPayload(ch))
}

func (c *Client) DownloadVideoChunk(ctx context.Context, ch Chunk) (*Response, error) {
	return c.call(ctx, "download_video", PathDownloadVideo, c.chunkPayload(ch))
}

type cdnImageRequest struct {
	FileAesKey string `json:"FileAesKey"`
	FileNo     string `json:"FileNo"`
	Wxid       string `json:"Wxid"`
}

func (c *Client) CdnDownloadImage(ctx context.Context, aesKey, fileNo string) (*Response, error) {
	return c.call(ctx, "cdn_download_image", PathCdnDownloadImage, cdnImageRequest{
		FileAesKey: aesKey,
		FileNo:     fileNo,
		Wxid:       c.wxid,
	})
}

type downloadVoiceRequest struct {
	Bufid        string `json:"Bufid"`
	FromUserName string `json:"FromUserName"`
	Length       int    `json:"Length"`
	MsgId        int64  `json:"MsgId"`
	Wxid         string `json:"Wxid"`
}

func (c *Client) DownloadVoice(ctx context.Context, msgID int64, bufID string, length int, fromUser string) (*Response, error) {
	return c.call(ctx, "download_voice", PathDownloadVoice, downloadVoiceRequest{
		Bufid:        bufID,
		FromUserName: fromUser,
		Length:       length,
		MsgId:        msgID,
		Wxid:         c.wxid,
	})
}

type memberDetailRequest struct {
	QID  string `json:"QID"`
	Wxid string `json:"Wxid"`
}

func (c *Client) GetChatRoomMemberDetail(ctx context.Context, chatroomID string) (*Response, error) {
	return c.call(ctx, "chatroom_member_detail", PathChatRoomMemberInfo, memberDetailRequest{
		QID:  chatroomID,
		Wxid: c.wxid,
	})
}

// ChatRoomMembers flattens a member-detail response into id → nickname.
// Members without a nickname map to their own id.
func ChatRoomMembers(resp *Response) map[string]string {
	members := make(map[string]string)
	resp.Get("Data.NewChatroomData.ChatRoomMember").ForEach(func(_, m gjson.Result) bool {
		id := strings.TrimSpace(m.Get("UserName").String())
		if id == "" {
			return true
		}
		nick := strings.TrimSpace(m.Get("NickName").String())
		if nick == "" {
			nick = id
		}
		members[id] = nick
		return true
	})
	return members
}
