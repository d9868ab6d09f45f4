// Package metrics 暴露路由决策、缓存写入与生命周期相关的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 汇总 offline-hub 的全部指标，nil Collector 上的方法均为 no-op。
type Collector struct {
	decisionsTotal     *prometheus.CounterVec
	decisionDuration   *prometheus.HistogramVec
	fallbacksTotal     *prometheus.CounterVec
	cacheWriteFailures prometheus.Counter
	seedFailures       prometheus.Counter
	bucketsDeleted     prometheus.Counter
	lifecycleState     *prometheus.GaugeVec
	online             prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector 在独立 registry 上注册指标，避免与进程默认 registry 冲突。
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.NewRegistry())
}

// NewCollectorWithRegistry 使用调用方提供的 registry。
func NewCollectorWithRegistry(registry *prometheus.Registry) *Collector {
	factory := promauto.With(registry)
	return &Collector{
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_decisions_total",
				Help: "Total number of routed requests by strategy and cache outcome",
			},
			[]string{"strategy", "cache_hit"},
		),
		decisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline_hub_decision_duration_seconds",
				Help:    "Time spent producing a response, by strategy",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_fallbacks_total",
				Help: "Total number of fallback responses served",
			},
			[]string{"kind"},
		),
		cacheWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_hub_cache_write_failures_total",
			Help: "Total number of cache writes that failed and were ignored",
		}),
		seedFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_hub_seed_failures_total",
			Help: "Total number of failed install attempts",
		}),
		bucketsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "offline_hub_buckets_deleted_total",
			Help: "Total number of stale cache generations removed on activation",
		}),
		lifecycleState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline_hub_lifecycle_state",
				Help: "1 for the current lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offline_hub_online",
			Help: "1 when the upstream is considered reachable",
		}),
		registry: registry,
	}
}

// RecordDecision 记录一次路由决策及其耗时。
func (c *Collector) RecordDecision(strategy string, cacheHit bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(strategy, strconv.FormatBool(cacheHit)).Inc()
	c.decisionDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordFallback 记录一次兜底响应，kind 取值 cached/offline/image/synthetic。
func (c *Collector) RecordFallback(kind string) {
	if c == nil || kind == "" {
		return
	}
	c.fallbacksTotal.WithLabelValues(kind).Inc()
}

// RecordCacheWriteFailure 记录一次被忽略的缓存写入失败。
func (c *Collector) RecordCacheWriteFailure() {
	if c == nil {
		return
	}
	c.cacheWriteFailures.Inc()
}

// RecordSeedFailure 记录一次安装失败。
func (c *Collector) RecordSeedFailure() {
	if c == nil {
		return
	}
	c.seedFailures.Inc()
}

// RecordBucketDeleted 记录一次旧缓存代的删除。
func (c *Collector) RecordBucketDeleted() {
	if c == nil {
		return
	}
	c.bucketsDeleted.Inc()
}

// SetLifecycleState 把 current 置 1，其余已知状态置 0。
func (c *Collector) SetLifecycleState(current string, all []string) {
	if c == nil {
		return
	}
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		c.lifecycleState.WithLabelValues(state).Set(value)
	}
}

// SetOnline 更新在线状态。
func (c *Collector) SetOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}

// Registry 返回底层 registry，供测试或额外 collector 注册使用。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
