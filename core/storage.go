package core

// Persistence subsystem — an optional write-through key-value mirror of
// the Request Cache (spec §3, §4.3, §6 "Persisted state"). Redis is the
// intended backend ("Redis is an optional write-through cache, not a
// database", spec §1); a process-local in-memory store satisfies the
// same interface for tests and single-node deployments that don't carry
// the dependency.

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// StorageWriter is the persistence contract consumed by the Request
// Cache. Writes are at-least-once: a failed write is logged and retried
// on the next mutation rather than blocking the caller, per spec §4.3.
type StorageWriter interface {
	Put(ctx context.Context, clientRequestID string, req *Request) error
	Get(ctx context.Context, clientRequestID string) (*Request, error)
	Delete(ctx context.Context, clientRequestID string) error
	// ScanAll iterates every persisted Request for the startup reload
	// scan described in spec §6. Iteration order is unspecified.
	ScanAll(ctx context.Context, fn func(*Request) error) error
}

// MemoryStore is a StorageWriter backed by a process-local map. It is
// the default when no Redis endpoint is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, clientRequestID string, req *Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[clientRequestID] = raw
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientRequestID string) (*Request, error) {
	s.mu.RLock()
	raw, ok := s.data[clientRequestID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *MemoryStore) Delete(_ context.Context, clientRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, clientRequestID)
	return nil
}

func (s *MemoryStore) ScanAll(_ context.Context, fn func(*Request) error) error {
	s.mu.RLock()
	snapshot := make([][]byte, 0, len(s.data))
	for _, raw := range s.data {
		snapshot = append(snapshot, raw)
	}
	s.mu.RUnlock()
	for _, raw := range snapshot {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		if err := fn(&req); err != nil {
			return err
		}
	}
	return nil
}

// RedisStore is a StorageWriter backed by a Redis hash, one field per
// client_request_id, matching the teacher's preference for a single
// external dependency per concern rather than a bespoke wire format.
type RedisStore struct {
	client *redis.Client
	hash   string
}

// NewRedisStore wraps an existing *redis.Client. hashKey namespaces the
// records (e.g. "dexproxy:requests") so a shared Redis instance can host
// more than one deployment.
func NewRedisStore(client *redis.Client, hashKey string) *RedisStore {
	return &RedisStore{client: client, hash: hashKey}
}

func (s *RedisStore) Put(ctx context.Context, clientRequestID string, req *Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.hash, clientRequestID, raw).Err()
}

func (s *RedisStore) Get(ctx context.Context, clientRequestID string) (*Request, error) {
	raw, err := s.client.HGet(ctx, s.hash, clientRequestID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) Delete(ctx context.Context, clientRequestID string) error {
	return s.client.HDel(ctx, s.hash, clientRequestID).Err()
}

func (s *RedisStore) ScanAll(ctx context.Context, fn func(*Request) error) error {
	all, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return err
	}
	for _, raw := range all {
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return err
		}
		if err := fn(&req); err != nil {
			return err
		}
	}
	return nil
}

// finalisedWindow is a bounded LRU of recently finalised requests,
// retained for idempotent client lookups after a Request leaves the
// active indices (spec §3 "Lifecycle", §4.3 "a bounded window of
// finalised requests is retained"). This replaces the teacher's
// hand-rolled disk LRU (core/storage.go's diskLRU in the source repo)
// with the ecosystem golang-lru package.
type finalisedWindow struct {
	cache *lru.Cache[string, *Request]
}

func newFinalisedWindow(size int) *finalisedWindow {
	if size <= 0 {
		size = 10_000
	}
	c, _ := lru.New[string, *Request](size)
	return &finalisedWindow{cache: c}
}

func (w *finalisedWindow) add(req *Request) {
	w.cache.Add(req.ClientRequestID, req)
}

func (w *finalisedWindow) get(clientRequestID string) (*Request, bool) {
	return w.cache.Get(clientRequestID)
}
