package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/connectivity"
	"github.com/offline-hub/offline-hub/internal/exclusion"
	"github.com/offline-hub/offline-hub/internal/fetch"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/router"
	"github.com/offline-hub/offline-hub/internal/server"
)

const testOrigin = "https://blog.example"

func TestPassthroughBeforeActivation(t *testing.T) {
	env := newProxyEnv(t, false)

	resp := env.do(t, navigate("/post/"))
	assertStrategy(t, resp, router.StrategyPassthrough)
	if body := readBody(t, resp); body != "post v1" {
		t.Fatalf("expected upstream body, got %q", body)
	}
	if env.hits("/post/") != 1 {
		t.Fatalf("passthrough should reach upstream once")
	}
}

func TestSeededAssetsServedFromCache(t *testing.T) {
	env := newProxyEnv(t, true)
	before := env.hits("/icon.png")

	req := httptest.NewRequest("GET", "/icon.png", nil)
	req.Header.Set("Accept", "image/png")
	resp := env.do(t, req)

	assertStrategy(t, resp, router.StrategyCacheFirst)
	if resp.Header.Get(HeaderCacheHit) != "true" {
		t.Fatalf("seeded asset should be a cache hit")
	}
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("cached headers should be replayed, got %q", resp.Header.Get("Content-Type"))
	}
	if env.hits("/icon.png") != before {
		t.Fatalf("cache hit must not reach upstream")
	}
}

func TestOnlineNavigationRevsCache(t *testing.T) {
	env := newProxyEnv(t, true)

	resp := env.do(t, navigate("/post/"))
	assertStrategy(t, resp, router.StrategyRevving)
	if body := readBody(t, resp); body != "post v1" {
		t.Fatalf("expected fresh body, got %q", body)
	}

	env.setBody("/post/", "post v2")
	resp = env.do(t, navigate("/post/"))
	if body := readBody(t, resp); body != "post v2" {
		t.Fatalf("online navigation should always prefer network, got %q", body)
	}

	env.down.Store(true)
	resp = env.do(t, navigate("/post/"))
	assertStrategy(t, resp, router.StrategyRevving)
	if resp.Header.Get(HeaderFallback) != string(router.FallbackCached) {
		t.Fatalf("expected cached fallback, got %q", resp.Header.Get(HeaderFallback))
	}
	if body := readBody(t, resp); body != "post v2" {
		t.Fatalf("cached copy should be the last revision, got %q", body)
	}
}

func TestRestartDuringOutageKeepsServingCache(t *testing.T) {
	env := newProxyEnv(t, true)
	if body := readBody(t, env.do(t, navigate("/post/"))); body != "post v1" {
		t.Fatalf("expected fresh body, got %q", body)
	}

	env.down.Store(true)
	env.start(t, true)

	resp := env.do(t, navigate("/post/"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("restarted proxy should answer from cache, got %d", resp.StatusCode)
	}
	assertStrategy(t, resp, router.StrategyRevving)
	if resp.Header.Get(HeaderFallback) != string(router.FallbackCached) {
		t.Fatalf("expected cached fallback, got %q", resp.Header.Get(HeaderFallback))
	}
	if body := readBody(t, resp); body != "post v1" {
		t.Fatalf("expected cached copy, got %q", body)
	}

	resp = env.do(t, navigate("/never-visited/"))
	if body := readBody(t, resp); body != "offline page" {
		t.Fatalf("unknown page should get the offline page, got %q", body)
	}
}

func TestOfflineNavigationFallsBackToOfflinePage(t *testing.T) {
	env := newProxyEnv(t, true)
	env.down.Store(true)

	req := navigate("/never-visited/")
	req.Header.Set(router.OnlineHeader, "false")
	resp := env.do(t, req)

	assertStrategy(t, resp, router.StrategyCacheFirst)
	if resp.Header.Get(HeaderFallback) != string(router.FallbackOffline) {
		t.Fatalf("expected offline fallback, got %q", resp.Header.Get(HeaderFallback))
	}
	if body := readBody(t, resp); body != "offline page" {
		t.Fatalf("expected offline page body, got %q", body)
	}
}

func TestOfflineImageFallsBackToFallbackImage(t *testing.T) {
	env := newProxyEnv(t, true)
	env.down.Store(true)

	req := httptest.NewRequest("GET", "/uploads/photo.jpg", nil)
	req.Header.Set("Sec-Fetch-Dest", "image")
	resp := env.do(t, req)

	if resp.Header.Get(HeaderFallback) != string(router.FallbackImage) {
		t.Fatalf("expected image fallback, got %q", resp.Header.Get(HeaderFallback))
	}
	if body := readBody(t, resp); body != "png-bytes" {
		t.Fatalf("expected fallback image body, got %q", body)
	}
}

func TestExcludedPathIsNeverCached(t *testing.T) {
	env := newProxyEnv(t, true)

	for i := 0; i < 2; i++ {
		resp := env.do(t, navigate("/wp-admin/"))
		assertStrategy(t, resp, router.StrategyPassthrough)
	}
	if env.hits("/wp-admin/") != 2 {
		t.Fatalf("excluded path should reach upstream every time, got %d", env.hits("/wp-admin/"))
	}
	key, _ := cache.KeyForURL(testOrigin + "/wp-admin/")
	bucket, err := env.store.Open(context.Background(), env.identity)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	if _, err := bucket.Match(context.Background(), key); err == nil {
		t.Fatalf("excluded response must not be cached")
	}
}

func TestPostIsNetworkOnly(t *testing.T) {
	env := newProxyEnv(t, true)

	req := httptest.NewRequest("POST", "/wp-comments-post.php", strings.NewReader("comment=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := env.do(t, req)
	assertStrategy(t, resp, router.StrategyNetworkOnly)
	if body := readBody(t, resp); body != "comment=hi" {
		t.Fatalf("body should be forwarded, got %q", body)
	}
}

func TestPassthroughUpstreamFailure(t *testing.T) {
	env := newProxyEnv(t, false)
	env.down.Store(true)

	resp := env.do(t, navigate("/post/"))
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502 when passthrough fails, got %d", resp.StatusCode)
	}
}

func TestResolveTarget(t *testing.T) {
	origin, _ := url.Parse(testOrigin)
	cases := map[string]string{
		"/a/b?c=1":                  "https://blog.example/a/b?c=1",
		"//evil.example/x":          "https://blog.example//evil.example/x",
		"*":                         "https://blog.example/",
		"http://cdn.example/lib.js": "http://cdn.example/lib.js",
	}
	for raw, want := range cases {
		got, err := resolveTarget(origin, raw)
		if err != nil {
			t.Fatalf("resolveTarget(%q) error: %v", raw, err)
		}
		if got.String() != want {
			t.Fatalf("resolveTarget(%q): want %s, got %s", raw, want, got)
		}
	}
	if _, err := resolveTarget(origin, "relative/path"); err == nil {
		t.Fatalf("relative request uri should be rejected")
	}
}

type proxyEnv struct {
	app      *fiber.App
	upstream *url.URL
	store    cache.Store
	identity cache.Identity
	down     atomic.Bool

	mu     sync.Mutex
	bodies map[string]string
	counts map[string]int
}

func newProxyEnv(t *testing.T, activate bool) *proxyEnv {
	t.Helper()
	env := &proxyEnv{
		identity: "blog.example-offline-hub-test",
		bodies: map[string]string{
			"/":          "home",
			"/offline/":  "offline page",
			"/icon.png":  "png-bytes",
			"/post/":     "post v1",
			"/wp-admin/": "admin",
		},
		counts: map[string]int{},
	}

	upstream := httptest.NewServer(http.HandlerFunc(env.serve))
	t.Cleanup(upstream.Close)

	env.upstream, _ = url.Parse(upstream.URL)

	store, err := cache.NewStore(cache.DriverMemory, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	env.store = store

	env.start(t, activate)
	return env
}

// start 在 env.store 上组装生命周期、路由与 Fiber app；再次调用相当于进程重启。
func (e *proxyEnv) start(t *testing.T, activate bool) {
	t.Helper()
	origin, _ := url.Parse(testOrigin)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client := fetch.NewClient(fetch.ClientOptions{Origin: origin, Upstream: e.upstream})
	monitor := connectivity.New(connectivity.Options{Fetcher: client, Logger: logger})

	controller, err := lifecycle.NewController(lifecycle.Options{
		Store:    e.store,
		Identity: e.identity,
		Fetcher:  monitor,
		SeedAssets: []string{
			testOrigin + "/",
			testOrigin + "/offline/",
			testOrigin + "/icon.png",
		},
		Clients: lifecycle.NewClients(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	rt, err := router.New(router.Options{
		Origin:        origin,
		Scope:         "/",
		Matcher:       exclusion.MustCompile(exclusion.DefaultPatterns),
		Store:         e.store,
		Identity:      e.identity,
		Fetcher:       monitor,
		Connectivity:  monitor,
		OfflinePage:   testOrigin + "/offline/",
		FallbackImage: testOrigin + "/icon.png",
		ImageFallback: true,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	handler, err := NewHandler(HandlerOptions{Origin: origin, Router: rt, Fetcher: monitor, Logger: logger})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	if activate {
		if err := controller.Start(context.Background()); err != nil {
			t.Fatalf("start lifecycle: %v", err)
		}
	}

	lc := server.Lifecycle(controller)
	if !activate {
		lc = inactiveLifecycle{Controller: controller}
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Lifecycle:  lc,
		Proxy:      NewForwarder(handler, rt, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	e.app = app
}

func (e *proxyEnv) serve(w http.ResponseWriter, r *http.Request) {
	if e.down.Load() {
		panic(http.ErrAbortHandler)
	}
	e.mu.Lock()
	e.counts[r.URL.Path]++
	body, ok := e.bodies[r.URL.Path]
	e.mu.Unlock()

	if r.Method == http.MethodPost {
		payload, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(payload)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if strings.HasSuffix(r.URL.Path, ".png") {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	_, _ = io.WriteString(w, body)
}

func (e *proxyEnv) hits(path string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[path]
}

func (e *proxyEnv) setBody(path, body string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bodies[path] = body
}

func (e *proxyEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

// inactiveLifecycle 让请求停留在激活前，且不触发后台安装。
type inactiveLifecycle struct {
	*lifecycle.Controller
}

func (inactiveLifecycle) State() lifecycle.State { return lifecycle.StateUninstalled }

func (inactiveLifecycle) EnsureActive(context.Context) error { return nil }

func navigate(path string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html")
	return req
}

func assertStrategy(t *testing.T, resp *http.Response, want router.Strategy) {
	t.Helper()
	if got := resp.Header.Get(HeaderStrategy); got != string(want) {
		t.Fatalf("expected strategy %s, got %s", want, got)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
