package cache

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

// SeedError 表示预缓存失败，URL 指向第一个出错的资源。
type SeedError struct {
	URL string
	Err error
}

func (e *SeedError) Error() string {
	return fmt.Sprintf("seed %s: %v", e.URL, e.Err)
}

func (e *SeedError) Unwrap() error {
	return e.Err
}

// Seed 以 all-or-nothing 语义预缓存 urls：先并发拉取全部资源，任意失败（网络错误或非 2xx）
// 都会在写入前中止；写入阶段出错则回滚本次已写入的条目。
func Seed(ctx context.Context, bucket Bucket, fetcher fetch.Fetcher, urls []string) error {
	urls = dedupe(urls)
	keys := make([]Key, len(urls))
	responses := make([]*fetch.Response, len(urls))

	requests := make([]*fetch.Request, len(urls))
	for i, raw := range urls {
		req, err := fetch.NewRequest(http.MethodGet, raw)
		if err != nil {
			return &SeedError{URL: raw, Err: err}
		}
		req.FollowRedirects = true
		requests[i] = req
		keys[i] = KeyFor(req)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		raw := urls[i]
		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return &SeedError{URL: raw, Err: err}
			}
			if !resp.OK() {
				return &SeedError{URL: raw, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	written := make([]Key, 0, len(keys))
	for i, key := range keys {
		if err := bucket.Put(ctx, key, responses[i]); err != nil {
			for _, done := range written {
				_ = bucket.Remove(context.WithoutCancel(ctx), done)
			}
			return &SeedError{URL: urls[i], Err: err}
		}
		written = append(written, key)
	}
	return nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
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
