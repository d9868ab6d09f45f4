package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/lifecycle"
)

// ProxyHandler describes the component that answers every intercepted request.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// Lifecycle is the part of the lifecycle controller the HTTP layer depends on.
type Lifecycle interface {
	State() lifecycle.State
	EnsureActive(ctx context.Context) error
	Clients() *lifecycle.Clients
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Lifecycle  Lifecycle
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRequestID  = "_offlinehub_request_id"
	contextKeyClientID   = "_offlinehub_client_id"
	contextKeyControlled = "_offlinehub_controlled"

	// ClientCookie 保存浏览器视图的 client id。
	ClientCookie = "offline_hub_client"
	// ClientHeader 允许非浏览器客户端显式携带 client id。
	ClientHeader = "X-Offline-Hub-Client"

	diagnosticsPrefix = "/-/"
)

// NewApp builds a Fiber application with request/client id middleware, the lazy
// install trigger and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Lifecycle == nil {
		return nil, errors.New("lifecycle controller is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     32 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsRequest(c) {
			return c.Next()
		}
		if c.Method() == fiber.MethodConnect {
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"error": "connect_unsupported",
			})
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID、识别客户端，并在未激活时触发安装。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsRequest(c) {
			return c.Next()
		}

		clientID := resolveClientID(c)
		c.Locals(contextKeyClientID, clientID)

		if opts.Lifecycle.State() != lifecycle.StateActive {
			triggerInstall(opts, reqID)
		}
		// 激活前出现的客户端先登记，等待 Claim。
		controlled := opts.Lifecycle.Clients().Observe(clientID) &&
			opts.Lifecycle.State() == lifecycle.StateActive
		c.Locals(contextKeyControlled, controlled)
		return c.Next()
	}
}

// triggerInstall 在后台重试安装/激活，请求本身不等待，未激活期间走透传。
func triggerInstall(opts AppOptions, reqID string) {
	go func() {
		if err := opts.Lifecycle.EnsureActive(context.Background()); err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "lifecycle_retry",
				"request_id": reqID,
				"state":      opts.Lifecycle.State().String(),
			}).Warn(err.Error())
		}
	}()
}

func resolveClientID(c fiber.Ctx) string {
	if id := strings.TrimSpace(c.Get(ClientHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Cookies(ClientCookie)); id != "" {
		return id
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the client identifier resolved by the middleware.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// Controlled reports whether requests from this client go through the router.
// Uncontrolled clients and requests made before activation are passed through.
func Controlled(c fiber.Ctx) bool {
	if value := c.Locals(contextKeyControlled); value != nil {
		if controlled, ok := value.(bool); ok {
			return controlled
		}
	}
	return false
}

// isDiagnosticsRequest 只认 origin-form 的 /-/ 请求；absolute-form（转发代理模式）
// 指向的是其它站点，即使路径以 /-/ 开头也交给代理。
func isDiagnosticsRequest(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().Header.RequestURI()), diagnosticsPrefix)
}
