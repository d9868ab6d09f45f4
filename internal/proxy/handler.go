package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/fetch"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/router"
	"github.com/offline-hub/offline-hub/internal/server"
)

// 写回给客户端的诊断头。
const (
	HeaderStrategy = "X-Offline-Hub-Strategy"
	HeaderCacheHit = "X-Offline-Hub-Cache-Hit"
	HeaderFallback = "X-Offline-Hub-Fallback"
)

// Decider 是 Handler 依赖的路由决策，通常由 *router.Router 实现。
type Decider interface {
	Handle(ctx context.Context, req *fetch.Request) router.Outcome
	Offline(ctx context.Context, req *fetch.Request) router.Outcome
	Identity() cache.Identity
}

// HandlerOptions 描述 Handler 的依赖，全部必填。
type HandlerOptions struct {
	// Origin 用于把 origin-form 请求（/path）还原为站点上的绝对 URL。
	Origin  *url.URL
	Router  Decider
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
}

// Handler 把 Fiber 请求转换为 fetch.Request，交给 Router 决策，再把结果写回客户端。
// 未受控客户端与 passthrough 决策直接经 Fetcher 转发。
type Handler struct {
	origin  *url.URL
	router  Decider
	fetcher fetch.Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler around the router and the shared fetcher.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Origin == nil {
		return nil, errors.New("proxy: origin is required")
	}
	if opts.Router == nil {
		return nil, errors.New("proxy: router is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("proxy: fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("proxy: logger is required")
	}
	return &Handler{
		origin:  opts.Origin,
		router:  opts.Router,
		fetcher: opts.Fetcher,
		logger:  opts.Logger,
	}, nil
}

// Handle 执行路由决策并写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := requestContext(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(nil, router.Outcome{Strategy: router.StrategyPassthrough}, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request_url")
	}

	out := router.Outcome{Strategy: router.StrategyPassthrough}
	if server.Controlled(c) {
		out = h.router.Handle(ctx, req)
	}

	if out.Strategy == router.StrategyPassthrough {
		resp, err := h.fetcher.Fetch(ctx, req)
		if err != nil {
			h.logResult(req, out, requestID, 0, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_unreachable")
		}
		out.Response = resp
	}

	if err := writeOutcome(c, out); err != nil {
		h.logResult(req, out, requestID, 0, started, err)
		return err
	}
	h.logResult(req, out, requestID, out.Response.StatusCode, started, out.Err)
	return nil
}

// buildRequest 还原请求的绝对 URL：absolute-form（正向代理）原样解析，
// origin-form（反向代理）拼接到站点 Origin 上。
func (h *Handler) buildRequest(c fiber.Ctx) (*fetch.Request, error) {
	target, err := resolveTarget(h.origin, string(c.Request().RequestURI()))
	if err != nil {
		return nil, err
	}
	header := requestHeaders(c)
	method := strings.ToUpper(c.Method())
	return &fetch.Request{
		Method:   method,
		URL:      target,
		Header:   header,
		Body:     bytes.Clone(c.Body()),
		Navigate: fetch.DetectNavigation(method, header),
		ClientID: server.ClientID(c),
	}, nil
}

func resolveTarget(origin *url.URL, raw string) (*url.URL, error) {
	if raw == "" || raw == "*" {
		raw = "/"
	}
	if strings.HasPrefix(raw, "/") {
		parsed, err := url.Parse(fetch.Origin(origin) + raw)
		if err != nil {
			return nil, fmt.Errorf("parse request uri: %w", err)
		}
		return parsed, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("request uri must be absolute or origin-form: %s", raw)
	}
	return parsed, nil
}

func requestHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if fetch.IsHopByHopHeader(name) || strings.EqualFold(name, "Host") {
			return
		}
		header.Add(name, string(value))
	})
	return header
}

// writeOutcome 把决策结果写回客户端，附带 strategy/cache/fallback 诊断头。
func writeOutcome(c fiber.Ctx, out router.Outcome) error {
	resp := out.Response
	if resp == nil {
		resp = router.OfflineResponse()
	}
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderStrategy, string(out.Strategy))
	c.Set(HeaderCacheHit, strconv.FormatBool(out.CacheHit))
	if out.Fallback != router.FallbackNone {
		c.Set(HeaderFallback, string(out.Fallback))
	}
	status := resp.StatusCode
	if status == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).Send(resp.Body)
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		if strings.EqualFold(key, "Content-Type") {
			if len(values) > 0 {
				c.Set(key, values[0])
			}
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *fetch.Request,
	out router.Outcome,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		string(h.router.Identity()),
		string(out.Strategy),
		string(out.Fallback),
		out.CacheHit,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if req != nil {
		fields["method"] = req.Method
		fields["url"] = req.URL.Redacted()
		fields["navigate"] = req.Navigate
		if req.ClientID != "" {
			fields["client_id"] = req.ClientID
		}
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		if out.Response == nil {
			h.logger.WithFields(fields).Error("proxy_failed")
			return
		}
		// 网络错误已被兜底吞掉，只做提示。
		h.logger.WithFields(fields).Warn("proxy_degraded")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
