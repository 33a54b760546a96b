// Package cache 提供基于 BigCache 的带过期时间的进程内缓存。
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"storefront/internal/config"
)

// TTL 为固定生命周期的缓存；每个条目额外记录写入时间，读取时按自身 ttl 判断过期，
// 不依赖 BigCache 的清理节奏。
type TTL struct {
	cache *bigcache.BigCache
	ttl   time.Duration
	now   func() time.Time
}

// NewTTL 创建缓存实例。
func NewTTL(ctx context.Context, ttl time.Duration, cfg config.CacheConfig) (*TTL, error) {
	if ttl <= 0 {
		return nil, errors.New("cache: ttl 必须大于0")
	}

	bc := bigcache.DefaultConfig(ttl)
	bc.Shards = 64
	bc.MaxEntriesInWindow = 10 * 64
	if cfg.MaxEntrySize > 0 {
		bc.MaxEntrySize = cfg.MaxEntrySize
	}
	bc.CleanWindow = cfg.CleanWindow
	if bc.CleanWindow <= 0 {
		bc.CleanWindow = time.Minute
	}
	bc.Verbose = false

	c, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("cache: 创建 BigCache 实例失败: %w", err)
	}

	return &TTL{
		cache: c,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// Get 读取未过期的值。
func (t *TTL) Get(key string) ([]byte, bool) {
	raw, err := t.cache.Get(key)
	if err != nil || len(raw) < 8 {
		return nil, false
	}
	written := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	if t.now().Sub(written) >= t.ttl {
		_ = t.cache.Delete(key)
		return nil, false
	}
	return raw[8:], true
}

// Set 写入值并记录写入时间。
func (t *TTL) Set(key string, value []byte) error {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(t.now().UnixNano()))
	copy(buf[8:], value)
	if err := t.cache.Set(key, buf); err != nil {
		return fmt.Errorf("cache: 写入键 %s 失败: %w", key, err)
	}
	return nil
}

// Delete 删除键，不存在时忽略。
func (t *TTL) Delete(key string) {
	_ = t.cache.Delete(key)
}

// Close 释放后台清理协程。
func (t *TTL) Close() error {
	return t.cache.Close()
}
