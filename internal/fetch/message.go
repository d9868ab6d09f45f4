package fetch

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request 描述一次被拦截的请求（方法、绝对 URL、是否为顶层导航），构造后视为只读。
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Navigate bool
	// ClientID 标识发起请求的浏览器视图，由 server 中间件分配。
	ClientID string
	// FollowRedirects 仅在预缓存（seed）时开启，代理流量保持原样返回 3xx。
	FollowRedirects bool
}

// NewRequest 解析 rawURL 并构造一个 GET/POST 等请求，rawURL 必须是绝对地址。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// Clone 返回深拷贝，供需要改写 URL/Header 的调用方使用。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	clone.Header = r.Header.Clone()
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return &clone
}

// WantsImage 根据 Sec-Fetch-Dest / Accept 判断请求目标是否为图片。
func (r *Request) WantsImage() bool {
	if r == nil || r.Header == nil {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return strings.EqualFold(dest, "image")
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.HasPrefix(accept, "image/")
}

// DetectNavigation 复刻浏览器的 navigate 模式判断：优先 Sec-Fetch-Mode，
// 缺失时退回到 “GET + Accept text/html” 的启发式规则。
func DetectNavigation(method string, header http.Header) bool {
	if header == nil {
		return false
	}
	if mode := header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if !strings.EqualFold(method, http.MethodGet) {
		return false
	}
	if dest := header.Get("Sec-Fetch-Dest"); dest != "" && !strings.EqualFold(dest, "document") {
		return false
	}
	return strings.Contains(strings.ToLower(header.Get("Accept")), "text/html")
}

// Response 是完整缓冲后的响应。正文只从网络读取一次，之后可以任意次读取/克隆。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL 记录最终响应来源，跟随重定向时可能与请求不同。
	URL string
}

// NewResponse 构造一个内存响应，常用于合成的离线页。
func NewResponse(status int, contentType string, body []byte) *Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return &Response{StatusCode: status, Header: header, Body: body}
}

// Clone 深拷贝 Header 与 Body，写缓存前必须克隆，避免与返回给调用方的实例共享底层数组。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       bytes.Clone(r.Body),
		URL:        r.URL,
	}
}

// OK 与 fetch API 的 response.ok 一致：2xx 即为成功。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}
