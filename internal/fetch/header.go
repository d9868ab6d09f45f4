package fetch

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// InternalHeaderPrefix 标记只在客户端与代理之间使用的头部，回源前会被移除。
const InternalHeaderPrefix = "X-Offline-Hub-"

// StripInternalHeaders 删除所有以 InternalHeaderPrefix 开头的头部。
func StripInternalHeaders(h http.Header) {
	for key := range h {
		if strings.HasPrefix(textproto.CanonicalMIMEHeaderKey(key), InternalHeaderPrefix) {
			h.Del(key)
		}
	}
}
