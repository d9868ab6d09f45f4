package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/fetch"
	"github.com/offline-hub/offline-hub/internal/metrics"
)

var seedAssets = []string{
	"https://blog.example/",
	"https://blog.example/offline/",
	"https://blog.example/icon.png",
}

type stubNetwork struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (n *stubNetwork) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.calls.Add(1)
	if n.fail.Load() && req.URL.Path == "/icon.png" {
		return nil, errors.New("connection reset")
	}
	return fetch.NewResponse(http.StatusOK, "text/plain", []byte("asset:"+req.URL.Path)), nil
}

func newController(t *testing.T, store cache.Store, identity cache.Identity, network fetch.Fetcher) *Controller {
	t.Helper()
	c, err := NewController(Options{
		Store:      store,
		Identity:   identity,
		Fetcher:    network,
		SeedAssets: seedAssets,
		Metrics:    metrics.NewCollector(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func TestInstallSeedsCurrentBucket(t *testing.T) {
	store := cache.NewMemoryStore()
	c := newController(t, store, "v3-current", &stubNetwork{})
	if c.State() != StateUninstalled {
		t.Fatalf("controller should start uninstalled")
	}
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if c.State() != StateInstalled {
		t.Fatalf("expected installed, got %s", c.State())
	}

	bucket, _ := store.Open(context.Background(), "v3-current")
	for _, raw := range seedAssets {
		key, _ := cache.KeyForURL(raw)
		entry, err := bucket.Match(context.Background(), key)
		if err != nil {
			t.Fatalf("seed asset %s missing: %v", raw, err)
		}
		if string(entry.Body) != "asset:"+key.URL[len("https://blog.example"):] {
			t.Fatalf("seed asset %s has unexpected body %s", raw, entry.Body)
		}
	}
}

func TestInstallFailureLeavesNothingBehind(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &stubNetwork{}
	network.fail.Store(true)
	c := newController(t, store, "v3-current", network)

	err := c.Install(context.Background())
	var seedErr *cache.SeedError
	if !errors.As(err, &seedErr) {
		t.Fatalf("expected SeedError, got %v", err)
	}
	if c.State() != StateUninstalled {
		t.Fatalf("failed install must return to uninstalled, got %s", c.State())
	}
	ok, _ := store.Has(context.Background(), "v3-current")
	if ok {
		t.Fatalf("bucket created by a failed install must be removed")
	}

	if err := c.Activate(context.Background()); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("activate before install should fail, got %v", err)
	}

	// 网络恢复后重试成功
	network.fail.Store(false)
	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("retry install error: %v", err)
	}
}

func TestInstallFailureKeepsPreexistingBucket(t *testing.T) {
	store := cache.NewMemoryStore()
	bucket, _ := store.Open(context.Background(), "v3-current")
	key, _ := cache.KeyForURL("https://blog.example/page")
	_ = bucket.Put(context.Background(), key, fetch.NewResponse(http.StatusOK, "", []byte("old")))

	network := &stubNetwork{}
	network.fail.Store(true)
	c := newController(t, store, "v3-current", network)
	if err := c.Install(context.Background()); err == nil {
		t.Fatalf("expected install failure")
	}
	if _, err := bucket.Match(context.Background(), key); err != nil {
		t.Fatalf("entries of a pre-existing bucket must survive: %v", err)
	}
}

func TestInstallReusesSeededBucketAfterRestart(t *testing.T) {
	store := cache.NewMemoryStore()
	first := newController(t, store, "v3-current", &stubNetwork{})
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first start error: %v", err)
	}

	// 重启时上游不可达：已完整的缓存代应被沿用
	network := &stubNetwork{}
	network.fail.Store(true)
	restarted := newController(t, store, "v3-current", network)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("restart with seeded bucket should not need the network: %v", err)
	}
	if restarted.State() != StateActive {
		t.Fatalf("expected active after restart, got %s", restarted.State())
	}
	if network.calls.Load() != 0 {
		t.Fatalf("seeded bucket must not be fetched again, got %d calls", network.calls.Load())
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	store := cache.NewMemoryStore()
	for _, id := range []cache.Identity{"v1", "v2"} {
		if _, err := store.Open(context.Background(), id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	c := newController(t, store, "v3-current", &stubNetwork{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}

	ids, _ := store.Identities(context.Background())
	if len(ids) != 1 || ids[0] != "v3-current" {
		t.Fatalf("only the current generation should remain, got %v", ids)
	}
}

type failingDeleteStore struct {
	cache.Store
	fail bool
}

func (s *failingDeleteStore) Delete(ctx context.Context, id cache.Identity) error {
	if s.fail {
		return errors.New("permission denied")
	}
	return s.Store.Delete(ctx, id)
}

func TestActivateFailureCanBeRetried(t *testing.T) {
	store := &failingDeleteStore{Store: cache.NewMemoryStore(), fail: true}
	_, _ = store.Open(context.Background(), "v1")
	c := newController(t, store, "v2", &stubNetwork{})

	if err := c.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := c.Activate(context.Background()); err == nil {
		t.Fatalf("expected activation error")
	}
	if c.State() != StateInstalled {
		t.Fatalf("failed activation should return to installed, got %s", c.State())
	}

	store.fail = false
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("retry activation error: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected active after retry")
	}
}

func TestActivateClaimsKnownClients(t *testing.T) {
	c := newController(t, cache.NewMemoryStore(), "v1", &stubNetwork{})
	clients := c.Clients()
	if clients.Observe("tab-1") {
		t.Fatalf("clients seen before activation are not controlled")
	}
	clients.Observe("tab-2")
	if clients.Pending() != 2 {
		t.Fatalf("expected 2 pending clients, got %d", clients.Pending())
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	if !clients.Controlled() || clients.Pending() != 0 {
		t.Fatalf("activation should claim every open client")
	}
	if !clients.Observe("tab-3") {
		t.Fatalf("clients seen after activation are controlled at once")
	}
}

func TestEnsureActiveSharesOneAttempt(t *testing.T) {
	network := &stubNetwork{}
	c := newController(t, cache.NewMemoryStore(), "v1", network)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.EnsureActive(context.Background()); err != nil && !errors.Is(err, ErrBusy) {
				t.Errorf("ensure active error: %v", err)
			}
		}()
	}
	wg.Wait()

	if c.State() != StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}
	if got := network.calls.Load(); got != int32(len(seedAssets)) {
		t.Fatalf("seed assets should be fetched once, got %d fetches", got)
	}
	if err := c.EnsureActive(context.Background()); err != nil {
		t.Fatalf("active controller should be a no-op: %v", err)
	}
}

func TestEnsureActiveIgnoresCallerCancellation(t *testing.T) {
	c := newController(t, cache.NewMemoryStore(), "v1", &stubNetwork{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.EnsureActive(ctx); err != nil {
		t.Fatalf("install should not depend on the triggering request: %v", err)
	}
}

func TestNewControllerValidates(t *testing.T) {
	if _, err := NewController(Options{}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := NewController(Options{Store: cache.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without identity")
	}
	if _, err := NewController(Options{Store: cache.NewMemoryStore(), Identity: "v1"}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}

func TestStateString(t *testing.T) {
	names := StateNames()
	if len(names) != 5 || names[0] != "uninstalled" || names[4] != "active" {
		t.Fatalf("unexpected state names: %v", names)
	}
}
