// Package lifecycle 驱动缓存代的安装与激活：
//
//	uninstalled -> installing -> installed -> activating -> active
//
// 安装阶段打开当前 Identity 的缓存桶并预缓存种子资源；激活阶段删除其它全部缓存代，
// 然后接管（claim）已知客户端。active 为本进程的终态，新版本部署会以新的 Identity 重新开始。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/fetch"
	"github.com/offline-hub/offline-hub/internal/logging"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

// State 表示生命周期阶段。
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateNames 按迁移顺序列出全部状态名，供指标使用。
func StateNames() []string {
	return []string{
		StateUninstalled.String(),
		StateInstalling.String(),
		StateInstalled.String(),
		StateActivating.String(),
		StateActive.String(),
	}
}

var (
	// ErrNotInstalled 表示在安装完成前调用了 Activate。
	ErrNotInstalled = errors.New("lifecycle: not installed")
	// ErrBusy 表示另一个迁移正在进行。
	ErrBusy = errors.New("lifecycle: transition in progress")
)

// Options 描述 Controller 的依赖。
type Options struct {
	Store      cache.Store
	Identity   cache.Identity
	Fetcher    fetch.Fetcher
	SeedAssets []string
	Clients    *Clients
	Logger     *logrus.Logger
	Metrics    *metrics.Collector
}

// Controller 是并发安全的；迁移之间互斥。
type Controller struct {
	opts  Options
	group singleflight.Group

	mu    sync.Mutex
	state State
}

// NewController 返回处于 uninstalled 状态的 Controller。
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if opts.Identity == "" {
		return nil, errors.New("lifecycle: cache identity is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("lifecycle: fetcher is required")
	}
	if opts.Clients == nil {
		opts.Clients = NewClients()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	c := &Controller{opts: opts}
	c.opts.Metrics.SetLifecycleState(StateUninstalled.String(), StateNames())
	return c, nil
}

// State 返回当前阶段。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity 返回当前缓存代。
func (c *Controller) Identity() cache.Identity {
	return c.opts.Identity
}

// Clients 返回客户端注册表。
func (c *Controller) Clients() *Clients {
	return c.opts.Clients
}

// Install 打开当前缓存桶并预缓存种子资源。失败时回到 uninstalled，
// 若缓存桶是本次尝试新建的则一并删除，保证不残留部分种子。
// 同一 Identity 的缓存桶若已包含全部种子资源（例如进程重启），直接沿用，不再访问网络。
func (c *Controller) Install(ctx context.Context) error {
	if ok, err := c.begin(StateUninstalled, StateInstalling); !ok {
		return err
	}

	logger := c.opts.Logger
	id := c.opts.Identity
	existed, err := c.opts.Store.Has(ctx, id)
	if err != nil {
		return c.failInstall(err, false)
	}
	bucket, err := c.opts.Store.Open(ctx, id)
	if err != nil {
		return c.failInstall(err, !existed)
	}

	if existed {
		complete, err := seeded(ctx, bucket, c.opts.SeedAssets)
		if err != nil {
			return c.failInstall(err, false)
		}
		if complete {
			c.transition(StateInstalled)
			logger.WithFields(logging.LifecycleFields("install", string(id), StateInstalled.String())).
				Info("reusing seeded cache")
			return nil
		}
	}

	logger.WithFields(logging.LifecycleFields("install", string(id), StateInstalling.String())).
		WithField("assets", c.opts.SeedAssets).
		Info("caching seed assets")
	if err := cache.Seed(ctx, bucket, c.opts.Fetcher, c.opts.SeedAssets); err != nil {
		return c.failInstall(err, !existed)
	}

	c.transition(StateInstalled)
	logger.WithFields(logging.LifecycleFields("install", string(id), StateInstalled.String())).Info("install complete")
	return nil
}

// seeded 报告 bucket 是否已包含全部种子资源。
func seeded(ctx context.Context, bucket cache.Bucket, assets []string) (bool, error) {
	for _, raw := range assets {
		if raw == "" {
			continue
		}
		key, err := cache.KeyForURL(raw)
		if err != nil {
			return false, err
		}
		if _, err := bucket.Match(ctx, key); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Activate 删除除当前 Identity 外的全部缓存代并接管客户端。
// 删除失败会中止激活并回到 installed，下次可重试。
func (c *Controller) Activate(ctx context.Context) error {
	if ok, err := c.begin(StateInstalled, StateActivating); !ok {
		return err
	}

	logger := c.opts.Logger
	current := c.opts.Identity
	ids, err := c.opts.Store.Identities(ctx)
	if err != nil {
		c.transition(StateInstalled)
		return fmt.Errorf("list cache identities: %w", err)
	}
	for _, id := range ids {
		if id == current {
			continue
		}
		if err := c.opts.Store.Delete(ctx, id); err != nil {
			c.transition(StateInstalled)
			return fmt.Errorf("delete stale cache %s: %w", id, err)
		}
		c.opts.Metrics.RecordBucketDeleted()
		logger.WithFields(logging.LifecycleFields("activate", string(current), StateActivating.String())).
			WithField("stale", string(id)).
			Info("old cache removed")
	}

	claimed := c.opts.Clients.Claim()
	c.transition(StateActive)
	logger.WithFields(logging.LifecycleFields("activate", string(current), StateActive.String())).
		WithField("claimed_clients", claimed).
		Info("activation complete")
	return nil
}

// Start 依次执行安装与激活；已激活时直接返回。
func (c *Controller) Start(ctx context.Context) error {
	if c.State() == StateUninstalled {
		if err := c.Install(ctx); err != nil {
			return err
		}
	}
	if c.State() == StateInstalled {
		if err := c.Activate(ctx); err != nil {
			return err
		}
	}
	if state := c.State(); state != StateActive {
		return fmt.Errorf("%w: state %s", ErrBusy, state)
	}
	return nil
}

// EnsureActive 在未激活时触发一次 Start，并发调用者共享同一次尝试。
// 尝试不受单个请求取消的影响。
func (c *Controller) EnsureActive(ctx context.Context) error {
	if c.State() == StateActive {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	_, err, _ := c.group.Do("start", func() (any, error) {
		return nil, c.Start(detached)
	})
	return err
}

// begin 原子地检查并进入下一阶段；目标阶段已经达到时返回 (false, nil)。
func (c *Controller) begin(from, to State) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == from:
		c.state = to
		c.opts.Metrics.SetLifecycleState(to.String(), StateNames())
		return true, nil
	case c.state == StateInstalling || c.state == StateActivating:
		return false, ErrBusy
	case c.state > from:
		return false, nil
	default:
		return false, ErrNotInstalled
	}
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	c.opts.Metrics.SetLifecycleState(to.String(), StateNames())
}

func (c *Controller) failInstall(err error, dropBucket bool) error {
	id := c.opts.Identity
	if dropBucket {
		if delErr := c.opts.Store.Delete(context.Background(), id); delErr != nil {
			c.opts.Logger.WithFields(logging.LifecycleFields("install", string(id), StateInstalling.String())).
				WithField("error", delErr.Error()).
				Warn("failed to drop partial cache")
		}
	}
	c.transition(StateUninstalled)
	c.opts.Metrics.RecordSeedFailure()
	c.opts.Logger.WithFields(logging.LifecycleFields("install", string(id), StateUninstalled.String())).
		WithField("error", err.Error()).
		Error("install failed")
	return fmt.Errorf("install %s: %w", id, err)
}
