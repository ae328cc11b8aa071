// Package store 持久化键值状态：网格状态与 nonce 计数器。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// NonceKey 保留键，只能通过 NextNonce 访问
const NonceKey = "nonce"

// ErrReservedKey 试图通过 Set 写入 nonce
var ErrReservedKey = errors.New("reserved key")

// Store 状态存储。Set 只在内存中暂存，Commit 才落盘。
// NextNonce 是原子的取值加一，立即持久化，可在多个进程之间共享。
type Store interface {
	// Get 把 key 对应的 JSON 值解码到 out，key 不存在时返回 false
	Get(key string, out interface{}) (bool, error)
	Set(key string, value interface{}) error
	Commit(ctx context.Context) error
	NextNonce(ctx context.Context) (int64, error)
	Close() error
}

// GetOrDefault key 不存在时返回 def
func GetOrDefault[T any](s Store, key string, def T) (T, error) {
	var v T
	ok, err := s.Get(key, &v)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// values 两种实现共用的读写缓存
type values struct {
	mu      sync.RWMutex
	data    map[string][]byte
	pending map[string][]byte
}

func newValues() values {
	return values{data: make(map[string][]byte), pending: make(map[string][]byte)}
}

func (v *values) get(key string, out interface{}) (bool, error) {
	v.mu.RLock()
	raw, ok := v.pending[key]
	if !ok {
		raw, ok = v.data[key]
	}
	v.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (v *values) set(key string, value interface{}) error {
	if key == NonceKey {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	v.mu.Lock()
	v.pending[key] = raw
	v.mu.Unlock()
	return nil
}

// takePending 取出待提交的值
func (v *values) takePending() map[string][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.pending
	v.pending = make(map[string][]byte)
	return p
}

// restore 提交失败时放回，已有的新值优先
func (v *values) restore(p map[string][]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, raw := range p {
		if _, ok := v.pending[k]; !ok {
			v.pending[k] = raw
		}
	}
}

func (v *values) apply(p map[string][]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, raw := range p {
		v.data[k] = raw
	}
}

// MemoryStore 进程内实现，用于测试和 dryRun
type MemoryStore struct {
	values
	nonceMu sync.Mutex
	nonce   int64
	commits int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: newValues(), nonce: 1}
}

func (m *MemoryStore) Get(key string, out interface{}) (bool, error) { return m.get(key, out) }

func (m *MemoryStore) Set(key string, value interface{}) error { return m.set(key, value) }

func (m *MemoryStore) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.apply(m.takePending())
	m.nonceMu.Lock()
	m.commits++
	m.nonceMu.Unlock()
	return nil
}

// Commits 已提交次数
func (m *MemoryStore) Commits() int {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	return m.commits
}

// Committed 只看已提交的数据
func (m *MemoryStore) Committed(key string, out interface{}) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *MemoryStore) NextNonce(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	n := m.nonce
	m.nonce++
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
