package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/offline-hub/offline-hub/internal/fetch"
)

// Identity 唯一标识一代缓存（站点 + 版本），同一时刻只有一个是当前代。
type Identity string

// Key 是缓存条目的规范化请求键：大写方法 + 去掉 fragment 的绝对 URL。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化 method/url 生成 Key。
func NewKey(method string, u *url.URL) Key {
	if method == "" {
		method = http.MethodGet
	}
	raw := ""
	if u != nil {
		clean := *u
		clean.Fragment = ""
		clean.RawFragment = ""
		raw = clean.String()
	}
	return Key{Method: strings.ToUpper(method), URL: raw}
}

// KeyForURL 解析字符串 URL 并生成 GET Key，用于离线页、种子资源等已知地址。
func KeyForURL(raw string) (Key, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Key{}, fmt.Errorf("parse cache url: %w", err)
	}
	return NewKey(http.MethodGet, parsed), nil
}

// KeyFor 返回请求对应的缓存 Key。
func KeyFor(req *fetch.Request) Key {
	if req == nil {
		return Key{}
	}
	return NewKey(req.Method, req.URL)
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 表示一条缓存记录，生命周期受所属 Identity 约束。
type Entry struct {
	Key        Key
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Response 返回条目的独立副本，调用方可以随意修改。
func (e *Entry) Response() *fetch.Response {
	if e == nil {
		return nil
	}
	resp := &fetch.Response{
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		URL:        e.Key.URL,
	}
	return resp.Clone()
}

func newEntry(key Key, resp *fetch.Response, now time.Time) *Entry {
	clone := resp.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	return &Entry{
		Key:        key,
		StatusCode: clone.StatusCode,
		Header:     clone.Header,
		Body:       clone.Body,
		StoredAt:   now.UTC(),
	}
}

// Store 管理所有缓存桶（按 Identity 命名），实现必须并发安全。
type Store interface {
	// Open 打开（必要时创建）指定 Identity 的缓存桶，同一 Identity 多次调用返回同一逻辑存储。
	Open(ctx context.Context, id Identity) (Bucket, error)

	// Has 判断缓存桶是否已存在，不会创建。
	Has(ctx context.Context, id Identity) (bool, error)

	// Identities 列出当前持久化的全部缓存桶。
	Identities(ctx context.Context) ([]Identity, error)

	// Delete 整体删除一个缓存桶；不存在时视为成功。
	Delete(ctx context.Context, id Identity) error

	// Close 释放底层资源（数据库句柄等）。
	Close() error
}

// Bucket 是单个缓存桶内的请求 → 响应映射。
type Bucket interface {
	Identity() Identity

	// Match 查找缓存，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 写入响应的克隆；单次写入原子生效，不会出现半条记录。
	Put(ctx context.Context, key Key, resp *fetch.Response) error

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, key Key) error

	// Keys 返回桶内全部 Key。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrClosed 表示存储已关闭。
	ErrClosed = errors.New("cache store closed")
	// ErrInvalidIdentity 表示 Identity 为空或包含路径分隔符。
	ErrInvalidIdentity = errors.New("invalid cache identity")
)

// 支持的存储驱动。
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
	DriverMemory  = "memory"
)

// Drivers 返回全部受支持的驱动名，供配置校验使用。
func Drivers() []string {
	return []string{DriverFS, DriverLevelDB, DriverSQLite, DriverMemory}
}

// NewStore 按驱动名构建存储，basePath 为磁盘根目录（memory 驱动忽略）。
func NewStore(driver, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStore(basePath)
	case DriverLevelDB:
		return NewLevelDBStore(basePath)
	case DriverSQLite:
		return NewSQLiteStore(basePath)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver: %s", driver)
	}
}

func validateIdentity(id Identity) error {
	raw := string(id)
	if strings.TrimSpace(raw) == "" || raw == "." || raw == ".." {
		return ErrInvalidIdentity
	}
	if strings.ContainsAny(raw, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
