package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

// memoryStore 把条目以编码后的字节保存，读写都经过 codec，保证与磁盘驱动行为一致。
type memoryStore struct {
	mu      sync.RWMutex
	buckets map[Identity]map[string][]byte
	now     func() time.Time
}

type memoryBucket struct {
	store *memoryStore
	id    Identity
}

// NewMemoryStore 返回进程内存储，适合测试或无需持久化的部署。
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: make(map[Identity]map[string][]byte),
		now:     time.Now,
	}
}

func (s *memoryStore) Open(ctx context.Context, id Identity) (Bucket, error) {
	if err := validateIdentity(id); err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.buckets[id]; !ok {
		s.buckets[id] = make(map[string][]byte)
	}
	s.mu.Unlock()
	return &memoryBucket{store: s, id: id}, nil
}

func (s *memoryStore) Has(ctx context.Context, id Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[id]
	return ok, nil
}

func (s *memoryStore) Identities(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]Identity, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) Delete(ctx context.Context, id Identity) error {
	s.mu.Lock()
	delete(s.buckets, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (b *memoryBucket) Identity() Identity {
	return b.id
}

func (b *memoryBucket) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	b.store.mu.RLock()
	payload, ok := b.store.buckets[b.id][key.String()]
	b.store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeEntry(payload)
}

func (b *memoryBucket) Put(ctx context.Context, key Key, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("cache put: nil response")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	payload, err := encodeEntry(newEntry(key, resp, b.store.now()))
	if err != nil {
		return err
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	entries, ok := b.store.buckets[b.id]
	if !ok {
		entries = make(map[string][]byte)
		b.store.buckets[b.id] = entries
	}
	entries[key.String()] = payload
	return nil
}

func (b *memoryBucket) Remove(ctx context.Context, key Key) error {
	b.store.mu.Lock()
	delete(b.store.buckets[b.id], key.String())
	b.store.mu.Unlock()
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]Key, error) {
	b.store.mu.RLock()
	payloads := make([][]byte, 0, len(b.store.buckets[b.id]))
	for _, payload := range b.store.buckets[b.id] {
		payloads = append(payloads, payload)
	}
	b.store.mu.RUnlock()

	keys := make([]Key, 0, len(payloads))
	for _, payload := range payloads {
		entry, err := decodeEntry(payload)
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sortKeys(keys)
	return keys, nil
}
