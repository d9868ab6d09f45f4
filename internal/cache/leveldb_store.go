package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

// leveldb 键布局：
//
//	b:<identity>               -> 建桶时间（unix 秒）
//	e:<identity>\x00<key>      -> gob 编码的条目
const (
	bucketPrefix = "b:"
	entryPrefix  = "e:"
	keySep       = "\x00"
)

type levelStore struct {
	db  *leveldb.DB
	now func() time.Time
}

type levelBucket struct {
	store *levelStore
	id    Identity
}

// NewLevelDBStore 在 basePath/leveldb 下打开（或创建）数据库。
func NewLevelDBStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	dir := filepath.Join(basePath, "leveldb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStore{db: db, now: time.Now}, nil
}

func (s *levelStore) Open(ctx context.Context, id Identity) (Bucket, error) {
	if err := validateIdentity(id); err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	marker := []byte(bucketPrefix + string(id))
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, wrapLevelErr(err)
	}
	if !ok {
		stamp := []byte(fmt.Sprintf("%d", s.now().Unix()))
		if err := s.db.Put(marker, stamp, nil); err != nil {
			return nil, wrapLevelErr(err)
		}
	}
	return &levelBucket{store: s, id: id}, nil
}

func (s *levelStore) Has(ctx context.Context, id Identity) (bool, error) {
	if err := validateIdentity(id); err != nil {
		return false, err
	}
	ok, err := s.db.Has([]byte(bucketPrefix+string(id)), nil)
	return ok, wrapLevelErr(err)
}

func (s *levelStore) Identities(ctx context.Context) ([]Identity, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()

	var ids []Identity
	for it.Next() {
		ids = append(ids, Identity(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, wrapLevelErr(err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *levelStore) Delete(ctx context.Context, id Identity) error {
	if err := validateIdentity(id); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(id)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return wrapLevelErr(err)
	}
	batch.Delete([]byte(bucketPrefix + string(id)))
	return wrapLevelErr(s.db.Write(batch, nil))
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (b *levelBucket) Identity() Identity {
	return b.id
}

func (b *levelBucket) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	data, err := b.store.db.Get(b.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapLevelErr(err)
	}
	return decodeEntry(data)
}

func (b *levelBucket) Put(ctx context.Context, key Key, resp *fetch.Response) error {
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
	return wrapLevelErr(b.store.db.Put(b.entryKey(key), payload, nil))
}

func (b *levelBucket) Remove(ctx context.Context, key Key) error {
	return wrapLevelErr(b.store.db.Delete(b.entryKey(key), nil))
}

func (b *levelBucket) Keys(ctx context.Context) ([]Key, error) {
	it := b.store.db.NewIterator(util.BytesPrefix(entryKeyPrefix(b.id)), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		entry, err := decodeEntry(it.Value())
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	if err := it.Error(); err != nil {
		return nil, wrapLevelErr(err)
	}
	sortKeys(keys)
	return keys, nil
}

func (b *levelBucket) entryKey(key Key) []byte {
	return append(entryKeyPrefix(b.id), key.String()...)
}

func entryKeyPrefix(id Identity) []byte {
	return []byte(entryPrefix + string(id) + keySep)
}

func wrapLevelErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}
