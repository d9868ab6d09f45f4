package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/connectivity"
	"github.com/offline-hub/offline-hub/internal/lifecycle"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
	"github.com/offline-hub/offline-hub/internal/proxy"
	"github.com/offline-hub/offline-hub/internal/router"
	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/server/routes"
	"github.com/offline-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLoggerWithConsole(cfg.Global, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["identity"] = string(cfg.Site.CacheIdentity())
		fields["seed_assets"] = len(cfg.Site.SeedAssets())
		fields["never_cache_urls"] = cfg.Site.Matcher().Len()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → 网络客户端 → 生命周期 → 路由 → Fiber server”顺序，
	// 保证所有请求共享同一缓存代与网络状态。
	store, err := cache.NewStore(cfg.Global.StoreDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, store, logger, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	return cliOptions{
		configPath:  config.ResolvePath(configFlag),
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// components 是一次启动装配出的全部运行时对象。
type components struct {
	app        *fiber.App
	controller *lifecycle.Controller
	monitor    *connectivity.Monitor
}

func buildComponents(cfg *config.Config, store cache.Store, logger *logrus.Logger) (*components, error) {
	site := cfg.Site
	collector := metrics.NewCollector()

	client := server.NewFetchClient(cfg)
	monitor := connectivity.New(connectivity.Options{
		Fetcher:  client,
		ProbeURL: site.StartURL(),
		Interval: cfg.Global.ProbeInterval.DurationValue(),
		Timeout:  cfg.Global.ProbeTimeout.DurationValue(),
		Logger:   logger,
		OnChange: collector.SetOnline,
	})
	collector.SetOnline(monitor.Online())

	controller, err := lifecycle.NewController(lifecycle.Options{
		Store:      store,
		Identity:   site.CacheIdentity(),
		Fetcher:    monitor,
		SeedAssets: site.SeedAssets(),
		Clients:    lifecycle.NewClients(),
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		return nil, err
	}

	rt, err := router.New(router.Options{
		Origin:        site.OriginURL(),
		Scope:         site.Scope,
		Matcher:       site.Matcher(),
		Store:         store,
		Identity:      site.CacheIdentity(),
		Fetcher:       monitor,
		Connectivity:  monitor,
		OfflinePage:   site.OfflineURL(),
		FallbackImage: site.FallbackImageURL(),
		ImageFallback: site.ImageFallback,
		SuccessOnly:   site.CacheSuccessOnly,
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		return nil, err
	}

	handler, err := proxy.NewHandler(proxy.HandlerOptions{
		Origin:  site.OriginURL(),
		Router:  rt,
		Fetcher: monitor,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Lifecycle:  controller,
		Proxy:      proxy.NewForwarder(handler, rt, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Identity:     site.CacheIdentity(),
		Lifecycle:    controller,
		Store:        store,
		Connectivity: monitor,
		Patterns:     site.Matcher().Patterns(),
		SeedAssets:   site.SeedAssets(),
		Metrics:      collector.Handler(),
	})

	return &components{app: app, controller: controller, monitor: monitor}, nil
}

// serve 装配组件并阻塞到 ctx 结束，随后优雅关闭 Fiber 与探测循环。
func serve(ctx context.Context, cfg *config.Config, store cache.Store, logger *logrus.Logger, configPath string) error {
	comp, err := buildComponents(cfg, store, logger)
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["identity"] = string(cfg.Site.CacheIdentity())
	fields["origin"] = cfg.Site.OriginURL().String()
	fields["upstream"] = cfg.Site.UpstreamURL().String()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_driver"] = cfg.Global.StoreDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装失败不阻止启动，首个请求会在后台重试。
	if err := comp.controller.Start(ctx); err != nil {
		logger.WithFields(logging.LifecycleFields("install", string(cfg.Site.CacheIdentity()), comp.controller.State().String())).
			Warn(err.Error())
	}

	comp.monitor.Start(ctx)
	defer comp.monitor.Stop()

	port := cfg.Global.ListenPort
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return comp.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		return comp.app.ShutdownWithContext(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
