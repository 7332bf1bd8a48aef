package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage persists the serialized item list for one cart.
type Storage interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

// StorageProvider hands out the Storage for a cart session.
type StorageProvider interface {
	StorageFor(sessionID string) Storage
}

// MemoryStorage keeps the serialized cart in process memory.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load returns a copy of the stored bytes.
func (m *MemoryStorage) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

// Save replaces the stored bytes.
func (m *MemoryStorage) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

// Clear drops the stored bytes.
func (m *MemoryStorage) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// DefaultMemoryTTL applies when a MemoryStorageProvider is built without a TTL.
const DefaultMemoryTTL = 7 * 24 * time.Hour

// MemoryStorageProvider keeps one MemoryStorage per session. Sessions untouched
// for longer than the TTL are evicted, matching the sliding expiry of Redis keys.
type MemoryStorageProvider struct {
	mu        sync.Mutex
	sessions  map[string]*memorySession
	ttl       time.Duration
	clock     func() time.Time
	lastSweep time.Time
}

type memorySession struct {
	storage *MemoryStorage
	touched time.Time
}

// NewMemoryStorageProvider returns an empty provider. A non-positive ttl uses DefaultMemoryTTL.
func NewMemoryStorageProvider(ttl time.Duration) *MemoryStorageProvider {
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &MemoryStorageProvider{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
		clock:    time.Now,
	}
}

// StorageFor returns the session's storage, creating it on first use and
// refreshing its expiry.
func (p *MemoryStorageProvider) StorageFor(sessionID string) Storage {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	p.sweepLocked(now)
	session, ok := p.sessions[sessionID]
	if !ok {
		session = &memorySession{storage: NewMemoryStorage()}
		p.sessions[sessionID] = session
	}
	session.touched = now
	return session.storage
}

// Len reports how many sessions are held.
func (p *MemoryStorageProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// sweepLocked evicts expired sessions at most once per tenth of the TTL.
func (p *MemoryStorageProvider) sweepLocked(now time.Time) {
	if now.Sub(p.lastSweep) < p.ttl/10 {
		return
	}
	p.lastSweep = now
	for id, session := range p.sessions {
		if now.Sub(session.touched) > p.ttl {
			delete(p.sessions, id)
		}
	}
}

// RedisStorage stores the serialized cart under "cart:<session>" with a sliding TTL.
type RedisStorage struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStorage returns the storage for one session.
func NewRedisStorage(client *redis.Client, sessionID string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, key: storageKey(sessionID), ttl: ttl}
}

// Load returns the stored bytes, or nil when the key is absent or expired.
func (r *RedisStorage) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cart: redis get failed: %w", err)
	}
	return data, nil
}

// Save writes the bytes and restarts the TTL.
func (r *RedisStorage) Save(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cart: redis set failed: %w", err)
	}
	return nil
}

// Clear deletes the key.
func (r *RedisStorage) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("cart: redis delete failed: %w", err)
	}
	return nil
}

// RedisStorageProvider builds RedisStorage values sharing one client.
type RedisStorageProvider struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStorageProvider returns a provider over the client.
func NewRedisStorageProvider(client *redis.Client, ttl time.Duration) *RedisStorageProvider {
	return &RedisStorageProvider{client: client, ttl: ttl}
}

// StorageFor returns the storage keyed by the session id.
func (p *RedisStorageProvider) StorageFor(sessionID string) Storage {
	return NewRedisStorage(p.client, sessionID, p.ttl)
}

func storageKey(sessionID string) string {
	return "cart:" + strings.TrimSpace(sessionID)
}
