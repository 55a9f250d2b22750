package channels

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/metrics"
	"github.com/wxclaw/wxclaw/pkg/utils"
	"github.com/wxclaw/wxclaw/pkg/wxhttp"
)

type MediaKind int

const (
	MediaImage MediaKind = iota + 1
	MediaVoice
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVoice:
		return "voice"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

func (k MediaKind) dirName() string {
	switch k {
	case MediaImage:
		return "images"
	case MediaVoice:
		return "records"
	default:
		return "videos"
	}
}

// MediaAttachment is either a local file (Path) or a remote reference (URL).
type MediaAttachment struct {
	Kind       MediaKind
	Path       string
	URL        string
	DurationMs int
}

// Location returns the path or URL handed to the bus.
func (a *MediaAttachment) Location() string {
	if a.Path != "" {
		return a.Path
	}
	return a.URL
}

// mediaAPI is the subset of wxhttp.Client used for downloads.
type mediaAPI interface {
	DownloadImageChunk(ctx context.Context, ch wxhttp.Chunk) (*wxhttp.Response, error)
	DownloadVideoChunk(ctx context.Context, ch wxhttp.Chunk) (*wxhttp.Response, error)
	CdnDownloadImage(ctx context.Context, aesKey, fileNo string) (*wxhttp.Response, error)
	DownloadVoice(ctx context.Context, msgID int64, bufID string, length int, fromUser string) (*wxhttp.Response, error)
}

var errNoMediaSource = errors.New("no usable media source")

const maxPathPart = 120

type mediaFetcher struct {
	api              mediaAPI
	account          string
	root             string
	imageChunkSize   int
	videoChunkSize   int
	imageChunkToWxid bool
	videoChunkToWxid bool
	nowFunc          func() time.Time
}

// Fetch rebuilds the attachment for a media payload. It never leaves a
// partial file at the returned path.
func (m *mediaFetcher) Fetch(ctx context.Context, ev RawEvent, p payload) (*MediaAttachment, error) {
	var (
		att  *MediaAttachment
		err  error
		kind string
	)
	switch body := p.(type) {
	case imagePayload:
		kind = MediaImage.String()
		att, err = m.fetchImage(ctx, ev, body)
	case voicePayload:
		kind = MediaVoice.String()
		att, err = m.fetchVoice(ctx, ev, body)
	case videoPayload:
		kind = MediaVideo.String()
		att, err = m.fetchVideo(ctx, ev, body)
	default:
		return nil, nil
	}
	metrics.MediaFetches.WithLabelValues(m.account, kind, metrics.Result(err)).Inc()
	return att, err
}

func (m *mediaFetcher) targetPath(ev RawEvent, kind MediaKind, ext string) string {
	day := m.nowFunc().Format("20060102")
	name := fmt.Sprintf("%s_%s.%s", kind, ev.ID(), ext)
	return filepath.Join(m.root, utils.SanitizePathPart(ev.From, maxPathPart), day, kind.dirName(), name)
}

func (m *mediaFetcher) saveBytes(ev RawEvent, kind MediaKind, ext string, data []byte) (*MediaAttachment, error) {
	path := m.targetPath(ev, kind, ext)
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return nil, err
	}
	return &MediaAttachment{Kind: kind, Path: path}, nil
}

func (m *mediaFetcher) fetchImage(ctx context.Context, ev RawEvent, p imagePayload) (*MediaAttachment, error) {
	attrs, _ := findXMLAttrs(p.xml, "img")

	if data, ok := m.cdnImage(ctx, ev, attrs); ok {
		return m.saveBytes(ev, MediaImage, utils.DetectImageExt(data), data)
	}

	if total, ok := imageTotalLen(attrs); ok && ev.MsgID != 0 {
		var buf []byte
		toWxid := ""
		if m.imageChunkToWxid {
			toWxid = ev.From
		}
		err := downloadChunks(ctx, total, m.imageChunkSize, func(ctx context.Context, start, n int) (*wxhttp.Response, error) {
			return m.api.DownloadImageChunk(ctx, wxhttp.Chunk{
				MsgID: ev.MsgID, TotalLen: total, StartPos: start, Length: n, ToWxid: toWxid,
			})
		}, func(chunk []byte) error {
			buf = append(buf, chunk...)
			return nil
		})
		if err == nil {
			return m.saveBytes(ev, MediaImage, utils.DetectImageExt(buf), buf)
		}
		logger.DebugCF("wxhttp", "Chunked image download failed, trying thumbnail", map[string]interface{}{
			"msg_id": ev.ID(),
			"error":  err.Error(),
		})
	}

	if p.thumbnail != "" {
		if data, ok := wxhttp.DecodeBase64(p.thumbnail); ok && len(data) > 0 {
			return m.saveBytes(ev, MediaImage, utils.DetectImageExt(data), data)
		}
	}
	return nil, errNoMediaSource
}

func imageTotalLen(attrs map[string]string) (int, bool) {
	for _, key := range []string{"hdlength", "totalLen", "length", "len"} {
		if v, ok := attrInt(attrs, key); ok {
			return v, true
		}
	}
	return 0, false
}

// cdnFileNo reduces a CDN URL to its file id, the second-to-last path
// segment. Non-URL values are already ids.
func cdnFileNo(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw
	}
	var parts []string
	for _, p := range strings.Split(raw, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func (m *mediaFetcher) cdnImage(ctx context.Context, ev RawEvent, attrs map[string]string) ([]byte, bool) {
	aesKey := firstNonEmpty(attrs["aeskey"], attrs["cdnthumbaeskey"])
	fileNo := cdnFileNo(firstNonEmpty(attrs["cdnbigimgurl"], attrs["cdnmidimgurl"], attrs["cdnthumburl"]))
	if aesKey == "" || fileNo == "" {
		return nil, false
	}

	resp, err := m.api.CdnDownloadImage(ctx, aesKey, fileNo)
	if err != nil {
		logger.DebugCF("wxhttp", "CDN image download failed", map[string]interface{}{
			"msg_id": ev.ID(),
			"error":  err.Error(),
		})
		return nil, false
	}
	if !resp.OK() {
		return nil, false
	}
	data, ok := wxhttp.DecodeBase64(resp.Get("Data.Image").String())
	if !ok || len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (m *mediaFetcher) fetchVoice(ctx context.Context, ev RawEvent, p voicePayload) (*MediaAttachment, error) {
	attrs, _ := findXMLAttrs(p.xml, "voicemsg")
	duration, _ := attrInt(attrs, "voicelength")

	if p.inline != "" {
		if data, ok := wxhttp.DecodeBase64(p.inline); ok && len(data) > 0 {
			att, err := m.saveBytes(ev, MediaVoice, "silk", data)
			if err != nil {
				return nil, err
			}
			att.DurationMs = duration
			return att, nil
		}
	}

	bufID := strings.TrimSpace(attrs["bufid"])
	if bufID == "0" {
		bufID = ""
	}
	if bufID == "" {
		bufID = ev.ID()
	}
	length, ok := attrInt(attrs, "length")
	if !ok && p.inlineLen > 0 {
		length, ok = p.inlineLen, true
	}
	if bufID == "" || !ok || ev.MsgID == 0 {
		return nil, errNoMediaSource
	}

	resp, err := m.api.DownloadVoice(ctx, ev.MsgID, bufID, length, ev.From)
	if err != nil {
		return nil, fmt.Errorf("download voice: %w", err)
	}
	data, ok := resp.DecodeChunk()
	if !ok {
		return nil, fmt.Errorf("download voice: empty or failed response")
	}
	att, err := m.saveBytes(ev, MediaVoice, "silk", data)
	if err != nil {
		return nil, err
	}
	att.DurationMs = duration
	return att, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (m *mediaFetcher) fetchVideo(ctx context.Context, ev RawEvent, p videoPayload) (*MediaAttachment, error) {
	attrs, _ := findXMLAttrs(p.xml, "videomsg")

	for _, key := range []string{"cdnrawvideourl", "cdnvideourl"} {
		if u := strings.TrimSpace(attrs[key]); isHTTPURL(u) {
			return &MediaAttachment{Kind: MediaVideo, URL: u}, nil
		}
	}

	if ev.MsgID == 0 {
		return nil, errNoMediaSource
	}

	var lengths []int
	for _, key := range []string{"length", "rawlength"} {
		v, ok := attrInt(attrs, key)
		if !ok {
			continue
		}
		dup := false
		for _, seen := range lengths {
			dup = dup || seen == v
		}
		if !dup {
			lengths = append(lengths, v)
		}
	}
	if len(lengths) == 0 {
		return nil, errNoMediaSource
	}

	path := m.targetPath(ev, MediaVideo, "mp4")
	var lastErr error
	for _, total := range lengths {
		if err := m.downloadVideoTo(ctx, ev, path, total); err != nil {
			lastErr = err
			logger.DebugCF("wxhttp", "Chunked video download failed", map[string]interface{}{
				"msg_id": ev.ID(),
				"length": total,
				"error":  err.Error(),
			})
			continue
		}
		att := &MediaAttachment{Kind: MediaVideo, Path: path}
		if secs, ok := attrInt(attrs, "playlength"); ok {
			att.DurationMs = secs * 1000
		}
		return att, nil
	}
	return nil, fmt.Errorf("video download: %w", lastErr)
}

// downloadVideoTo streams chunks into path+".part" and renames it on
// success. Any partial file from an earlier attempt is removed first.
func (m *mediaFetcher) downloadVideoTo(ctx context.Context, ev RawEvent, path string, total int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	part := path + ".part"
	_ = os.Remove(part)

	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	toWxid := ""
	if m.videoChunkToWxid {
		toWxid = ev.From
	}
	err = downloadChunks(ctx, total, m.videoChunkSize, func(ctx context.Context, start, n int) (*wxhttp.Response, error) {
		return m.api.DownloadVideoChunk(ctx, wxhttp.Chunk{
			MsgID: ev.MsgID, TotalLen: total, StartPos: start, Length: n, ToWxid: toWxid,
		})
	}, func(chunk []byte) error {
		_, err := f.Write(chunk)
		return err
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, path)
}

type chunkFunc func(ctx context.Context, start, n int) (*wxhttp.Response, error)

// downloadChunks fetches [0, total) sequentially in sections of chunkSize.
// The first failed or empty section aborts the whole download.
func downloadChunks(ctx context.Context, total, chunkSize int, fetch chunkFunc, write func([]byte) error) error {
	if total <= 0 {
		return fmt.Errorf("invalid total length %d", total)
	}
	if chunkSize <= 0 {
		chunkSize = wxhttp.DefaultChunkSize
	}
	for start := 0; start < total; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(chunkSize, total-start)
		resp, err := fetch(ctx, start, n)
		if err != nil {
			return fmt.Errorf("chunk at %d: %w", start, err)
		}
		data, ok := resp.DecodeChunk()
		if !ok {
			return fmt.Errorf("chunk at %d: empty or failed response", start)
		}
		if err := write(data); err != nil {
			return fmt.Errorf("chunk at %d: %w", start, err)
		}
		start += n
	}
	return nil
}

// PruneMedia removes per-day media directories older than retentionDays
// under root. It returns how many day directories were removed.
func PruneMedia(root string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 || root == "" {
		return 0, nil
	}
	senders, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.AddDate(0, 0, -retentionDays).Format("20060102")
	removed := 0
	for _, sender := range senders {
		if !sender.IsDir() {
			continue
		}
		senderDir := filepath.Join(root, sender.Name())
		days, err := os.ReadDir(senderDir)
		if err != nil {
			continue
		}
		for _, day := range days {
			name := day.Name()
			if !day.IsDir() || len(name) != 8 || name >= cutoff {
				continue
			}
			if _, err := time.Parse("20060102", name); err != nil {
				continue
			}
			if err := os.RemoveAll(filepath.Join(senderDir, name)); err != nil {
				logger.WarnCF("wxhttp", "Failed to prune media dir", map[string]interface{}{
					"dir":   filepath.Join(senderDir, name),
					"error": err.Error(),
				})
				continue
			}
			removed++
		}
		if left, err := os.ReadDir(senderDir); err == nil && len(left) == 0 {
			_ = os.Remove(senderDir)
		}
	}
	return removed, nil
}
