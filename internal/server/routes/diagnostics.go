package routes

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/version"
)

// Lifecycle 是诊断接口读取生命周期状态所需的最小集合。
type Lifecycle interface {
	State() lifecycle.State
	Clients() *lifecycle.Clients
}

// Connectivity 报告当前网络判断。
type Connectivity interface {
	Online() bool
	LastChange() time.Time
}

// Diagnostics 汇总 /-/ 接口需要的依赖；nil 字段对应的信息会被省略。
type Diagnostics struct {
	Identity     cache.Identity
	Lifecycle    Lifecycle
	Store        cache.Store
	Connectivity Connectivity
	Patterns     []string
	SeedAssets   []string
	Metrics      http.Handler
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/cache 与 /-/metrics 诊断接口，供运维查询缓存代与在线状态。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload, err := encodeStatus(requestContext(c), diag)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(payload)
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		if diag.Store == nil || diag.Identity == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		ctx := requestContext(c)
		exists, err := diag.Store.Has(ctx, diag.Identity)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		if !exists {
			return c.JSON(cachePayload{Identity: string(diag.Identity), Entries: []entryPayload{}})
		}
		bucket, err := diag.Store.Open(ctx, diag.Identity)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(encodeCache(diag.Identity, keys))
	})

	if diag.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(diag.Metrics))
	}
}

type statusPayload struct {
	Service     string   `json:"service"`
	Version     string   `json:"version"`
	Identity    string   `json:"identity"`
	State       string   `json:"state,omitempty"`
	Controlled  bool     `json:"clients_claimed"`
	Pending     int      `json:"pending_clients"`
	Online      *bool    `json:"online,omitempty"`
	LastChange  string   `json:"online_since,omitempty"`
	Generations []string `json:"generations"`
	Patterns    []string `json:"never_cache_urls"`
	SeedAssets  []string `json:"seed_assets"`
}

type cachePayload struct {
	Identity string         `json:"identity"`
	Entries  []entryPayload `json:"entries"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func encodeStatus(ctx context.Context, diag Diagnostics) (statusPayload, error) {
	payload := statusPayload{
		Service:     "offline-hub",
		Version:     version.Version,
		Identity:    string(diag.Identity),
		Generations: []string{},
		Patterns:    append([]string{}, diag.Patterns...),
		SeedAssets:  append([]string{}, diag.SeedAssets...),
	}
	if diag.Lifecycle != nil {
		payload.State = diag.Lifecycle.State().String()
		if clients := diag.Lifecycle.Clients(); clients != nil {
			payload.Controlled = clients.Controlled()
			payload.Pending = clients.Pending()
		}
	}
	if diag.Connectivity != nil {
		online := diag.Connectivity.Online()
		payload.Online = &online
		if last := diag.Connectivity.LastChange(); !last.IsZero() {
			payload.LastChange = last.UTC().Format(time.RFC3339)
		}
	}
	if diag.Store != nil {
		ids, err := diag.Store.Identities(ctx)
		if err != nil {
			return payload, err
		}
		for _, id := range ids {
			payload.Generations = append(payload.Generations, string(id))
		}
		sort.Strings(payload.Generations)
	}
	return payload, nil
}

func encodeCache(id cache.Identity, keys []cache.Key) cachePayload {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
	result := cachePayload{Identity: string(id), Entries: make([]entryPayload, 0, len(keys))}
	for _, key := range keys {
		result.Entries = append(result.Entries, entryPayload{Method: key.Method, URL: key.URL})
	}
	return result
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
