package config

import (
	"errors"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
)

// Validate 针对语义级别做进一步校验，并解析站点配置，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if !supportedDriver(g.StoreDriver) {
		return newFieldError("Global.StoreDriver", "仅支持 "+strings.Join(cache.Drivers(), "|"))
	}
	if g.StoreDriver != cache.DriverMemory && strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ProbeInterval.DurationValue() < 0 {
		return newFieldError("Global.ProbeInterval", "不能为负数")
	}
	if g.ProbeTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ProbeTimeout", "必须大于 0")
	}

	return c.Site.Resolve()
}

func supportedDriver(driver string) bool {
	if driver == "" {
		return true
	}
	for _, d := range cache.Drivers() {
		if d == driver {
			return true
		}
	}
	return false
}
