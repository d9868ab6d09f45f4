// Package connectivity 维护代理视角的“是否在线”状态，替代浏览器中的 navigator.onLine。
//
// 状态来源有两个：每次经由 Monitor 发出的网络请求（成功即在线、传输错误即离线），
// 以及可选的后台探测循环。客户端显式上报的在线状态由 router 优先处理，不经过这里。
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

// Options 控制 Monitor 的行为。
type Options struct {
	Fetcher fetch.Fetcher
	// ProbeURL 为空或 Interval <= 0 时不启动探测循环。
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *logrus.Logger
	// OnChange 在状态翻转时回调，用于指标上报。
	OnChange func(online bool)
}

// Monitor 包装一个 Fetcher，并根据请求结果推断当前网络状态。
type Monitor struct {
	fetcher  fetch.Fetcher
	probeURL string
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
	onChange func(bool)

	online   atomic.Bool
	lastSeen atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 返回初始为在线状态的 Monitor。
func New(opts Options) *Monitor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		fetcher:  opts.Fetcher,
		probeURL: opts.ProbeURL,
		interval: opts.Interval,
		timeout:  timeout,
		logger:   opts.Logger,
		onChange: opts.OnChange,
		stopCh:   make(chan struct{}),
	}
	m.online.Store(true)
	return m
}

// Online 返回最近一次观测到的网络状态。
func (m *Monitor) Online() bool {
	if m == nil {
		return true
	}
	return m.online.Load()
}

// LastChange 返回最近一次状态翻转的时间，从未翻转时为零值。
func (m *Monitor) LastChange() time.Time {
	if m == nil {
		return time.Time{}
	}
	nanos := m.lastSeen.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Report 记录一次网络访问的结果。客户端主动取消不代表网络不可用，会被忽略。
func (m *Monitor) Report(err error) {
	if m == nil {
		return
	}
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	m.set(err == nil)
}

// Fetch 实现 fetch.Fetcher：转发给底层 Fetcher 并据结果更新状态。
// 只要拿到了响应（任意状态码）即视为在线。
func (m *Monitor) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if m.fetcher == nil {
		return nil, errors.New("connectivity: fetcher not configured")
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	m.Report(err)
	return resp, err
}

// Probe 立即探测一次 ProbeURL，返回探测后的在线状态。
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}
	req, err := fetch.NewRequest(http.MethodGet, m.probeURL)
	if err != nil {
		return m.Online()
	}
	req.FollowRedirects = true

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, _ = m.Fetch(probeCtx, req)
	return m.Online()
}

// Start 启动后台探测循环，Stop 或 ctx 结束后退出。
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 || m.probeURL == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Stop 终止探测循环并等待其退出，可重复调用。
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.lastSeen.Store(time.Now().UnixNano())
	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"action": "connectivity",
			"online": online,
		}).Info("connectivity changed")
	}
	if m.onChange != nil {
		m.onChange(online)
	}
}
