package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher 抽象“访问网络”这一步，router/lifecycle 只依赖该接口，测试可注入桩实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ClientOptions 控制网络客户端的超时与同源请求的回源地址。
type ClientOptions struct {
	Timeout time.Duration
	// Origin 是站点对外的源，Upstream 为实际回源地址；二者不同则同源请求被改写到 Upstream。
	Origin   *url.URL
	Upstream *url.URL
}

// Client 基于共享 http.Client 实现 Fetcher，并把响应正文完整读入内存。
type Client struct {
	direct   *http.Client
	follow   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewClient 返回共享的网络客户端，用于所有回源与透传请求。
func NewClient(opts ClientOptions) *Client {
	timeout := 30 * time.Second
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	transport := defaultTransport.Clone()

	return &Client{
		direct: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// 代理流量不跟随重定向，3xx 原样交给浏览器
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		follow: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		origin:   opts.Origin,
		upstream: opts.Upstream,
	}
}

// Timeout 返回客户端生效的超时，便于诊断输出。
func (c *Client) Timeout() time.Duration {
	return c.direct.Timeout
}

func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request url required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target := c.resolveTarget(req.URL)
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	CopyHeaders(httpReq.Header, req.Header)
	StripInternalHeaders(httpReq.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = target.Host
	if target.Host != req.URL.Host {
		httpReq.Header.Set("X-Forwarded-Host", req.URL.Host)
		httpReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}

	client := c.direct
	if req.FollowRedirects {
		client = c.follow
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL.Redacted(), err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	finalURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil && req.FollowRedirects {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       payload,
		URL:        finalURL,
	}, nil
}

// resolveTarget 把同源请求改写到 Upstream，其余 URL 原样访问。
func (c *Client) resolveTarget(u *url.URL) *url.URL {
	target := *u
	target.Fragment = ""
	if c.origin == nil || c.upstream == nil {
		return &target
	}
	if !SameOrigin(u, c.origin) || SameOrigin(c.origin, c.upstream) {
		return &target
	}
	target.Scheme = c.upstream.Scheme
	target.Host = c.upstream.Host
	if base := strings.TrimSuffix(c.upstream.Path, "/"); base != "" {
		target.Path = base + u.Path
		if u.RawPath != "" {
			target.RawPath = base + u.RawPath
		}
	}
	return &target
}

// SameOrigin 比较 scheme + host + port（缺省端口按 scheme 补全）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

// Origin 返回 URL 的序列化源，例如 https://example.com 或 http://127.0.0.1:8080。
func Origin(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
	case scheme == "http" && port == "80":
		port = ""
	case scheme == "https" && port == "443":
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}
