package server

import (
	"time"

	"github.com/offline-hub/offline-hub/internal/config"
	"github.com/offline-hub/offline-hub/internal/fetch"
)

// NewFetchClient 按配置构造共享的网络客户端，Origin 与 Upstream 取自 [Site]。
func NewFetchClient(cfg *config.Config) *fetch.Client {
	opts := fetch.ClientOptions{Timeout: 30 * time.Second}
	if cfg == nil {
		return fetch.NewClient(opts)
	}
	if timeout := cfg.Global.UpstreamTimeout.DurationValue(); timeout > 0 {
		opts.Timeout = timeout
	}
	opts.Origin = cfg.Site.OriginURL()
	opts.Upstream = cfg.Site.UpstreamURL()
	return fetch.NewClient(opts)
}
