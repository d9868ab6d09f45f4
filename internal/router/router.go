// Package router 为每个被拦截的请求选择处理策略并执行：透传、仅网络、revving（网络优先并刷新缓存）
// 或缓存优先。除透传外，任何分支都保证产出一个响应，网络失败会退化为缓存副本或离线页。
package router

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/exclusion"
	"github.com/offline-hub/offline-hub/internal/fetch"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// OnlineHeader 允许客户端显式上报自身的网络状态（true/false），优先于 Connectivity。
const OnlineHeader = "X-Offline-Hub-Online"

// Strategy 标识一次请求最终走的分支。
type Strategy string

const (
	StrategyPassthrough Strategy = "passthrough"
	StrategyNetworkOnly Strategy = "network-only"
	StrategyRevving     Strategy = "revving"
	StrategyCacheFirst  Strategy = "cache-first"
)

// Fallback 标识兜底响应的来源，空串表示未发生兜底。
type Fallback string

const (
	FallbackNone      Fallback = ""
	FallbackCached    Fallback = "cached"
	FallbackOffline   Fallback = "offline"
	FallbackImage     Fallback = "image"
	FallbackSynthetic Fallback = "synthetic"
)

// Connectivity 报告上游当前是否可达。
type Connectivity interface {
	Online() bool
}

// Outcome 是 Handle 的结果。Strategy 为 passthrough 时 Response 为 nil，由调用方直接转发。
type Outcome struct {
	Strategy Strategy
	Response *fetch.Response
	CacheHit bool
	Fallback Fallback
	// Err 记录被吞掉的网络错误，仅用于日志。
	Err error
}

// Options 描述 Router 的依赖。Origin、Store、Identity 与 Fetcher 为必填。
type Options struct {
	Origin        *url.URL
	Scope         string
	Matcher       *exclusion.Matcher
	Store         cache.Store
	Identity      cache.Identity
	Fetcher       fetch.Fetcher
	Connectivity  Connectivity
	OfflinePage   string
	FallbackImage string
	ImageFallback bool
	// SuccessOnly 为 true 时只缓存 2xx 响应；默认缓存任何已返回的响应。
	SuccessOnly   bool
	Logger        *logrus.Logger
	Metrics       *metrics.Collector
}

// Router 是并发安全的；每个请求独立调用 Handle。
type Router struct {
	opts        Options
	scope       string
	offlineKey  cache.Key
	fallbackKey cache.Key
	hasFallback bool
}

// New 校验依赖并构建 Router。
func New(opts Options) (*Router, error) {
	if opts.Origin == nil {
		return nil, errors.New("router: origin is required")
	}
	if opts.Store == nil {
		return nil, errors.New("router: store is required")
	}
	if opts.Identity == "" {
		return nil, errors.New("router: cache identity is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("router: fetcher is required")
	}
	offlineKey, err := cache.KeyForURL(opts.OfflinePage)
	if err != nil {
		return nil, err
	}
	r := &Router{
		opts:       opts,
		scope:      normalizeScope(opts.Scope),
		offlineKey: offlineKey,
	}
	if opts.FallbackImage != "" {
		key, err := cache.KeyForURL(opts.FallbackImage)
		if err != nil {
			return nil, err
		}
		r.fallbackKey = key
		r.hasFallback = true
	}
	return r, nil
}

// Identity 返回 Router 读写的缓存代。
func (r *Router) Identity() cache.Identity {
	return r.opts.Identity
}

// Offline 直接返回离线兜底，供上层在处理请求出现异常时使用。
func (r *Router) Offline(ctx context.Context, req *fetch.Request) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		req = &fetch.Request{Method: http.MethodGet, Header: http.Header{}}
	}
	return r.offline(ctx, req)
}

// Handle 按固定顺序决策：排除 → 协议/同源/作用域 → 非 GET → 在线导航 → 缓存优先。
func (r *Router) Handle(ctx context.Context, req *fetch.Request) (out Outcome) {
	start := time.Now()
	defer func() {
		r.opts.Metrics.RecordDecision(string(out.Strategy), out.CacheHit, time.Since(start))
		r.opts.Metrics.RecordFallback(string(out.Fallback))
	}()

	if req == nil || req.URL == nil {
		return Outcome{Strategy: StrategyPassthrough}
	}
	if r.opts.Matcher.IsExcluded(req.URL.String()) {
		return Outcome{Strategy: StrategyPassthrough}
	}
	if !r.intercepts(req.URL) {
		return Outcome{Strategy: StrategyPassthrough}
	}

	switch {
	case req.Method != http.MethodGet:
		return r.networkOnly(ctx, req)
	case req.Navigate && r.clientOnline(req):
		return r.revving(ctx, req)
	default:
		return r.cacheFirst(ctx, req)
	}
}

// intercepts 判断 URL 是否属于本站点：http(s)、同源且位于作用域内。
func (r *Router) intercepts(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	if !fetch.SameOrigin(u, r.opts.Origin) {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix(path, r.scope) || path+"/" == r.scope
}

func (r *Router) clientOnline(req *fetch.Request) bool {
	if req.Header != nil {
		switch strings.ToLower(strings.TrimSpace(req.Header.Get(OnlineHeader))) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	if r.opts.Connectivity == nil {
		return true
	}
	return r.opts.Connectivity.Online()
}

func (r *Router) networkOnly(ctx context.Context, req *fetch.Request) Outcome {
	resp, err := r.opts.Fetcher.Fetch(ctx, req)
	if err == nil {
		return Outcome{Strategy: StrategyNetworkOnly, Response: resp}
	}
	out := r.offline(ctx, req)
	out.Strategy = StrategyNetworkOnly
	out.Err = err
	return out
}

func (r *Router) revving(ctx context.Context, req *fetch.Request) Outcome {
	resp, err := r.opts.Fetcher.Fetch(ctx, req)
	if err == nil {
		if bucket, openErr := r.bucket(ctx); openErr == nil {
			r.store(ctx, bucket, req, resp)
		} else {
			r.logWriteFailure(req, openErr)
		}
		return Outcome{Strategy: StrategyRevving, Response: resp}
	}

	// 网络失败：优先返回该页的缓存副本，其次离线页
	if entry, lookupErr := r.lookup(ctx, cache.KeyFor(req)); lookupErr == nil {
		return Outcome{
			Strategy: StrategyRevving,
			Response: entry.Response(),
			CacheHit: true,
			Fallback: FallbackCached,
			Err:      err,
		}
	}
	out := r.offline(ctx, req)
	out.Strategy = StrategyRevving
	out.Err = err
	return out
}

func (r *Router) cacheFirst(ctx context.Context, req *fetch.Request) Outcome {
	bucket, openErr := r.bucket(ctx)
	if openErr == nil {
		entry, err := bucket.Match(ctx, cache.KeyFor(req))
		if err == nil {
			return Outcome{Strategy: StrategyCacheFirst, Response: entry.Response(), CacheHit: true}
		}
		if !errors.Is(err, cache.ErrNotFound) {
			r.logLookupFailure(req, err)
		}
	} else {
		r.logLookupFailure(req, openErr)
	}

	resp, err := r.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		out := r.offline(ctx, req)
		out.Strategy = StrategyCacheFirst
		out.Err = err
		return out
	}
	if bucket != nil {
		r.store(ctx, bucket, req, resp)
	}
	return Outcome{Strategy: StrategyCacheFirst, Response: resp}
}

// offline 返回兜底响应：图片请求可选回退到 fallback 图片，否则为离线页，
// 两者都不在缓存中时合成 503。
func (r *Router) offline(ctx context.Context, req *fetch.Request) Outcome {
	if r.opts.ImageFallback && r.hasFallback && req.WantsImage() {
		if entry, err := r.lookup(ctx, r.fallbackKey); err == nil {
			return Outcome{Response: entry.Response(), CacheHit: true, Fallback: FallbackImage}
		}
	}
	if entry, err := r.lookup(ctx, r.offlineKey); err == nil {
		return Outcome{Response: entry.Response(), CacheHit: true, Fallback: FallbackOffline}
	}
	return Outcome{Response: OfflineResponse(), Fallback: FallbackSynthetic}
}

// store 仅在请求仍然存活且响应可缓存时写入克隆，失败只记录日志。
func (r *Router) store(ctx context.Context, bucket cache.Bucket, req *fetch.Request, resp *fetch.Response) {
	if ctx.Err() != nil || !Cacheable(resp, r.opts.SuccessOnly) {
		return
	}
	if err := bucket.Put(ctx, cache.KeyFor(req), resp); err != nil {
		r.logWriteFailure(req, err)
	}
}

func (r *Router) lookup(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	bucket, err := r.bucket(ctx)
	if err != nil {
		return nil, err
	}
	return bucket.Match(ctx, key)
}

func (r *Router) bucket(ctx context.Context) (cache.Bucket, error) {
	return r.opts.Store.Open(ctx, r.opts.Identity)
}

func (r *Router) logWriteFailure(req *fetch.Request, err error) {
	r.opts.Metrics.RecordCacheWriteFailure()
	if r.opts.Logger == nil {
		return
	}
	r.opts.Logger.WithFields(logrus.Fields{
		"action":   "cache_write",
		"identity": string(r.opts.Identity),
		"url":      req.URL.Redacted(),
		"error":    err.Error(),
	}).Warn("cache write failed")
}

func (r *Router) logLookupFailure(req *fetch.Request, err error) {
	if r.opts.Logger == nil {
		return
	}
	r.opts.Logger.WithFields(logrus.Fields{
		"action":   "cache_lookup",
		"identity": string(r.opts.Identity),
		"url":      req.URL.Redacted(),
		"error":    err.Error(),
	}).Warn("cache lookup failed")
}

// Cacheable 判断响应能否写入缓存。206 分段响应与 Vary: * 的响应无法按请求键复用，
// 永不入缓存；successOnly 时再排除非 2xx 响应。
func Cacheable(resp *fetch.Response, successOnly bool) bool {
	if resp == nil || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if strings.TrimSpace(resp.Header.Get("Vary")) == "*" {
		return false
	}
	return !successOnly || resp.OK()
}

// OfflineResponse 在离线页也无法获取时返回的最小响应。
func OfflineResponse() *fetch.Response {
	resp := fetch.NewResponse(http.StatusServiceUnavailable, "text/html; charset=utf-8",
		[]byte("<!doctype html><title>Offline</title><h1>You are offline</h1>"))
	resp.Header.Set("Cache-Control", "no-store")
	return resp
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return scope
}
