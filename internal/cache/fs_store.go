package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

const entrySuffix = ".entry"

// NewFileStore 以 basePath 为根目录构建磁盘缓存，每个 Identity 对应一个子目录：
//
//	<StoragePath>/<Identity>/<sha1(key)>.entry
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，写入走临时文件 + rename。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	store *fileStore
	id    Identity
	dir   string
}

func (s *fileStore) Open(ctx context.Context, id Identity) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", id, err)
	}
	return &fileBucket{store: s, id: id, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, id Identity) (bool, error) {
	dir, err := s.bucketDir(id)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Identities(ctx context.Context) ([]Identity, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	ids := make([]Identity, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ids = append(ids, Identity(entry.Name()))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fileStore) Delete(ctx context.Context, id Identity) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	dir, err := s.bucketDir(id)
	if err != nil {
		return err
	}
	// 先改名再删除，避免并发读者看到删了一半的目录
	trash := filepath.Join(s.basePath, fmt.Sprintf(".trash-%s-%d", id, s.now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete bucket %s: %w", id, err)
	}
	return os.RemoveAll(trash)
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) bucketDir(id Identity) (string, error) {
	if err := validateIdentity(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, string(id))
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return dir, nil
}

func (b *fileBucket) Identity() Identity {
	return b.id
}

func (b *fileBucket) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// sha1 冲突或外部写入，视为未命中
		return nil, ErrNotFound
	}
	return entry, nil
}

func (b *fileBucket) Put(ctx context.Context, key Key, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("cache put: nil response")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	unlock := b.store.lockEntry(b.id, key)
	defer unlock()

	payload, err := encodeEntry(newEntry(key, resp, b.store.now()))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, b.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBucket) Remove(ctx context.Context, key Key) error {
	unlock := b.store.lockEntry(b.id, key)
	defer unlock()

	if err := os.Remove(b.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	files, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(files))
	for _, file := range files {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}
		if file.IsDir() || !strings.HasSuffix(file.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, file.Name()))
		if err != nil {
			continue
		}
		entry, err := decodeEntry(data)
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (b *fileBucket) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStore) lockEntry(id Identity, key Key) func() {
	lockKey := string(id) + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
