package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"bollipi/internal/redis"
)

const localKeyPrefix = "bol_lipi_submissions"

// KV is a byte store; Get returns redis.ErrNotFound for missing keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, keys ...string) error
}

// LocalStore keeps each device's history as one JSON array, read and written
// wholesale.
type LocalStore struct {
	kv KV
	mu sync.Mutex
}

func NewLocalStore(kv KV) *LocalStore {
	return &LocalStore{kv: kv}
}

func localKey(deviceID string) string {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = "default"
	}
	return localKeyPrefix + ":" + deviceID
}

// add puts e at the front of the device's list.
func (l *LocalStore) add(ctx context.Context, deviceID string, e entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load(ctx, localKey(deviceID))
	if err != nil {
		return err
	}
	entries = append([]entry{e}, entries...)
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode local submissions: %w", err)
	}
	if err := l.kv.Set(ctx, localKey(deviceID), raw); err != nil {
		return fmt.Errorf("%w: write local submissions: %v", ErrPersistence, err)
	}
	return nil
}

func (l *LocalStore) list(ctx context.Context, deviceID string) ([]entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, localKey(deviceID))
}

func (l *LocalStore) clear(ctx context.Context, deviceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.kv.Del(ctx, localKey(deviceID)); err != nil {
		return fmt.Errorf("%w: clear local submissions: %v", ErrPersistence, err)
	}
	return nil
}

func (l *LocalStore) load(ctx context.Context, key string) ([]entry, error) {
	raw, err := l.kv.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read local submissions: %v", ErrPersistence, err)
	}
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode local submissions: %v", ErrPersistence, err)
	}
	return entries, nil
}

// MemoryKV is an in-process KV used when no Redis is configured.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, redis.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}
