package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/metrics"
	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
)

const sessionKeyPrefix = "compliance:session:"

// Redis persists sessions to Redis with a TTL and keeps a bounded local
// cache for read performance. The cache is advisory; Redis is the source
// of truth for crash recovery.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.Mutex
	localCache  map[string]*session.Session
	cacheAccess map[string]time.Time
	maxCached   int
}

// RedisConfig holds connection settings for the session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		client:      client,
		logger:      logger,
		ttl:         cfg.TTL,
		localCache:  make(map[string]*session.Session),
		cacheAccess: make(map[string]time.Time),
		maxCached:   10000,
	}, nil
}

func (r *Redis) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	r.mu.Lock()
	if s, ok := r.localCache[sessionID]; ok {
		r.cacheAccess[sessionID] = time.Now()
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	raw, err := r.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var s session.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	r.cache(&s)
	return &s, nil
}

func (r *Redis) Save(ctx context.Context, s *session.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		metrics.SessionSaves.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+s.ID, raw, r.ttl).Err(); err != nil {
		metrics.SessionSaves.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("save session: %w", err)
	}
	metrics.SessionSaves.WithLabelValues("redis", "ok").Inc()
	r.cache(s)
	return nil
}

func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.localCache, sessionID)
	delete(r.cacheAccess, sessionID)
	metrics.SessionCacheSize.Set(float64(len(r.localCache)))
	r.mu.Unlock()
	if err := r.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) cache(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localCache[s.ID] = s
	r.cacheAccess[s.ID] = time.Now()
	r.evictStale()
	metrics.SessionCacheSize.Set(float64(len(r.localCache)))
}

// evictStale trims the least-recently-accessed entries once the cache
// exceeds its bound. Caller holds the lock.
func (r *Redis) evictStale() {
	for len(r.localCache) > r.maxCached {
		var oldest string
		var oldestAt time.Time
		for id, at := range r.cacheAccess {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = id, at
			}
		}
		delete(r.localCache, oldest)
		delete(r.cacheAccess, oldest)
	}
}
