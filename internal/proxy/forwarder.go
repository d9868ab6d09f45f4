package proxy

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/fetch"
	"github.com/offline-hub/offline-hub/internal/router"
	"github.com/offline-hub/offline-hub/internal/server"
)

// OfflineSource 提供离线兜底响应。
type OfflineSource interface {
	Offline(ctx context.Context, req *fetch.Request) router.Outcome
}

// Forwarder 包装真正的 ProxyHandler：handler 缺失或 panic 时改为返回离线兜底，保证客户端总能拿到响应。
type Forwarder struct {
	handler server.ProxyHandler
	offline OfflineSource
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；offline 为空时异常请求返回 JSON 500。
func NewForwarder(handler server.ProxyHandler, offline OfflineSource, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		offline: offline,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondFailure(c, "proxy_handler_missing", nil, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondFailure(c, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respondFailure(c fiber.Ctx, code string, err error, requestID string) error {
	f.logFailure(c, code, err, requestID)
	c.Response().Reset()
	setRequestIDHeader(c, requestID)
	if f.offline == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
	}
	req := &fetch.Request{
		Method: c.Method(),
		Header: requestHeaders(c),
	}
	out := f.offline.Offline(requestContext(c), req)
	if out.Response == nil {
		out.Response = router.OfflineResponse()
	}
	return writeOutcome(c, out)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logFailure(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"method": c.Method(),
		"path":   c.Path(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
