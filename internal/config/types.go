package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/exclusion"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与网络超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreDriver     string   `mapstructure:"StoreDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ProbeInterval   Duration `mapstructure:"ProbeInterval"`
	ProbeTimeout    Duration `mapstructure:"ProbeTimeout"`
}

// SiteConfig 是离线缓存核心消费的站点配置。页面地址可以写成相对 Origin 的路径，
// Resolve 之后通过访问器获取绝对 URL。
type SiteConfig struct {
	Origin           string   `mapstructure:"Origin"`
	Upstream         string   `mapstructure:"Upstream"`
	Scope            string   `mapstructure:"Scope"`
	SiteID           string   `mapstructure:"SiteID"`
	Version          string   `mapstructure:"Version"`
	StartPage        string   `mapstructure:"StartPage"`
	OfflinePage      string   `mapstructure:"OfflinePage"`
	FallbackImage    string   `mapstructure:"FallbackImage"`
	NeverCacheURLs   []string `mapstructure:"NeverCacheURLs"`
	ImageFallback    bool     `mapstructure:"ImageFallback"`
	CacheSuccessOnly bool     `mapstructure:"CacheSuccessOnly"`

	origin        *url.URL
	upstream      *url.URL
	startPage     string
	offlinePage   string
	fallbackImage string
	matcher       *exclusion.Matcher
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
}
