package wxhttp

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// Response is a decoded wxhttp envelope. Body is guaranteed to be valid JSON.
type Response struct {
	Body []byte
}

func (r *Response) Get(path string) gjson.Result {
	if r == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(r.Body, path)
}

// OK reports whether the envelope signals success: Success==true, or a
// numeric Code of 0 or 200.
func (r *Response) OK() bool {
	if r == nil {
		return false
	}
	if success := r.Get("Success"); success.Type == gjson.True {
		return true
	}
	code := r.Get("Code")
	if code.Type != gjson.Number {
		return false
	}
	return code.Int() == 0 || code.Int() == 200
}

func (r *Response) Message() string {
	for _, path := range []string{"Message", "Msg", "message"} {
		if v := r.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// Chunk payload paths, most specific first.
const (
	chunkBufferPath       = "Data.data.buffer"
	chunkBufferCompatPath = "Data.Data.data.buffer"
)

var legacyPayloadPaths = []string{
	"Data.Base64",
	"Data.Buffer",
	"Data.buffer",
	"Data.Data.Base64",
	"Data.Data.Buffer",
	"Data.Data.buffer",
	"Data.Data.Data.Buffer",
	"Data.Data.Data.buffer",
}

// ChunkPayload extracts the base64 buffer of a chunk or download response.
// It returns false when no known field holds a non-empty string.
func (r *Response) ChunkPayload() (string, bool) {
	for _, path := range []string{chunkBufferPath, chunkBufferCompatPath} {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String(), true
		}
	}
	return r.legacyPayload()
}

func (r *Response) legacyPayload() (string, bool) {
	if data := r.Get("Data"); data.Type == gjson.String && data.String() != "" {
		return data.String(), true
	}
	for _, path := range legacyPayloadPaths {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String(), true
		}
	}
	return "", false
}

// DecodeChunk returns the decoded bytes of an ok response's payload.
func (r *Response) DecodeChunk() ([]byte, bool) {
	if !r.OK() {
		return nil, false
	}
	encoded, ok := r.ChunkPayload()
	if !ok {
		return nil, false
	}
	data, ok := DecodeBase64(encoded)
	if !ok || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// DecodeBase64 accepts padded and unpadded standard encodings, with or
// without a data URI prefix.
func DecodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, false
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, true
	}
	if data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return data, true
	}
	return nil, false
}
