package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/exclusion"
	"github.com/offline-hub/offline-hub/internal/version"
)

const identityInfix = "-offline-hub-"

// Resolve 补齐默认值、把页面地址解析为绝对 URL 并编译排除规则。
// 校验失败返回 FieldError 或 *exclusion.PatternError。
func (s *SiteConfig) Resolve() error {
	origin, err := parseHTTPURL(s.Origin)
	if err != nil {
		return newFieldError(siteField("Origin"), err.Error())
	}
	if origin.Path != "" && origin.Path != "/" {
		return newFieldError(siteField("Origin"), "只能包含 scheme 与 host，路径请使用 Scope")
	}
	origin.Path = "/"
	origin.RawQuery = ""
	origin.Fragment = ""
	s.origin = origin

	s.upstream = origin
	if strings.TrimSpace(s.Upstream) != "" {
		upstream, err := parseHTTPURL(s.Upstream)
		if err != nil {
			return newFieldError(siteField("Upstream"), err.Error())
		}
		s.upstream = upstream
	}

	scope := strings.TrimSpace(s.Scope)
	if scope == "" {
		scope = "/"
	}
	if !strings.HasPrefix(scope, "/") {
		return newFieldError(siteField("Scope"), "必须以 / 开头")
	}
	s.Scope = scope

	if strings.TrimSpace(s.SiteID) == "" {
		s.SiteID = origin.Hostname()
	}
	if strings.TrimSpace(s.Version) == "" {
		s.Version = version.Version
	}
	if strings.ContainsAny(s.SiteID+s.Version, "/\\ \x00") {
		return newFieldError(siteField("SiteID/Version"), "不能包含空白或路径分隔符")
	}

	if strings.TrimSpace(s.StartPage) == "" {
		s.StartPage = scope
	}
	if strings.TrimSpace(s.OfflinePage) == "" {
		s.OfflinePage = s.StartPage
	}
	if s.startPage, err = s.resolvePage(s.StartPage); err != nil {
		return newFieldError(siteField("StartPage"), err.Error())
	}
	if s.offlinePage, err = s.resolvePage(s.OfflinePage); err != nil {
		return newFieldError(siteField("OfflinePage"), err.Error())
	}
	if strings.TrimSpace(s.FallbackImage) == "" {
		return newFieldError(siteField("FallbackImage"), "不能为空")
	}
	if s.fallbackImage, err = s.resolvePage(s.FallbackImage); err != nil {
		return newFieldError(siteField("FallbackImage"), err.Error())
	}

	matcher, err := exclusion.Compile(s.NeverCacheURLs)
	if err != nil {
		return fmt.Errorf("%s: %w", siteField("NeverCacheURLs"), err)
	}
	s.matcher = matcher
	return nil
}

// CacheIdentity 返回当前缓存代：<SiteID>-offline-hub-<Version>。
func (s SiteConfig) CacheIdentity() cache.Identity {
	return cache.Identity(s.SiteID + identityInfix + s.Version)
}

// SeedAssets 按 start/offline/fallback 顺序返回预缓存 URL，重复项只保留第一次出现。
func (s SiteConfig) SeedAssets() []string {
	out := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	for _, u := range []string{s.startPage, s.offlinePage, s.fallbackImage} {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// OriginURL 返回站点对外的源（路径固定为 /）。
func (s SiteConfig) OriginURL() *url.URL {
	return cloneURL(s.origin)
}

// UpstreamURL 返回实际回源地址，未配置时等于 Origin。
func (s SiteConfig) UpstreamURL() *url.URL {
	return cloneURL(s.upstream)
}

// StartURL 返回起始页的绝对 URL。
func (s SiteConfig) StartURL() string { return s.startPage }

// OfflineURL 返回离线页的绝对 URL。
func (s SiteConfig) OfflineURL() string { return s.offlinePage }

// FallbackImageURL 返回兜底图片的绝对 URL。
func (s SiteConfig) FallbackImageURL() string { return s.fallbackImage }

// Matcher 返回编译后的排除规则。
func (s SiteConfig) Matcher() *exclusion.Matcher { return s.matcher }

func (s SiteConfig) resolvePage(raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	resolved := s.origin.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("仅支持 http/https: %s", raw)
	}
	resolved.Fragment = ""
	return resolved.String(), nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("缺少 Host: %s", raw)
	}
	return parsed, nil
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}
