package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" || !opts.checkOnly {
		t.Fatalf("flag 应高于环境变量，得到 %+v", opts)
	}

	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), "blog.example-offline-hub-2.3.1") {
		t.Fatalf("校验日志应包含缓存代标识: %s", stdOutBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "FallbackImage") {
		t.Fatalf("错误输出应指出缺失字段: %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "offline-hub") {
		t.Fatalf("version 输出应包含 offline-hub 标识")
	}
}

func TestBuildComponentsWiresDiagnostics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "page "+r.URL.Path)
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoreDriver:     cache.DriverMemory,
			UpstreamTimeout: config.Duration(5 * time.Second),
			ProbeTimeout:    config.Duration(time.Second),
		},
		Site: config.SiteConfig{
			Origin:        "https://blog.example",
			Upstream:      upstream.URL,
			Version:       "1",
			FallbackImage: "/icon.png",
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	store, err := cache.NewStore(cfg.Global.StoreDriver, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	comp, err := buildComponents(cfg, store, logging.Discard())
	if err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	if err := comp.controller.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if comp.controller.State() != lifecycle.StateActive {
		t.Fatalf("expected active lifecycle, got %s", comp.controller.State())
	}

	resp, err := comp.app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"state":"active"`) {
		t.Fatalf("status should report active lifecycle: %s", string(body))
	}

	resp, err = comp.app.Test(httptest.NewRequest("GET", "/icon.png", nil))
	if err != nil {
		t.Fatalf("asset request: %v", err)
	}
	if resp.Header.Get("X-Offline-Hub-Cache-Hit") != "true" {
		t.Fatalf("seeded asset should be served from cache")
	}

	resp, err = comp.app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "offline_hub_lifecycle_state") {
		t.Fatalf("metrics should expose lifecycle state: %s", string(body))
	}
}
