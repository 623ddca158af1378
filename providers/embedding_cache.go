package providers

import (
	"context"
	"crypto/md5"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"videoQA/core"
)

// CacheEntry 缓存条目
type CacheEntry struct {
	Vector      []float32
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int64
}

// CacheMetrics 缓存指标
type CacheMetrics struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	EntryCount int64 `json:"entry_count"`
}

// CachingEmbedder memoizes embeddings in memory. Planner phrases repeat a
// lot across questions about the same video, so query-time embedding is
// mostly served from here. Entries expire after ttl; when full, the least
// recently accessed entry is evicted.
type CachingEmbedder struct {
	inner      core.Embedder
	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*CacheEntry
	metrics CacheMetrics
	logger  *log.Logger
}

// NewCachingEmbedder 创建带缓存的嵌入器
func NewCachingEmbedder(inner core.Embedder, maxEntries int, ttl time.Duration) *CachingEmbedder {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &CachingEmbedder{
		inner:      inner,
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*CacheEntry),
		logger:     log.New(os.Stdout, "[EMBED-CACHE] ", log.LstdFlags),
	}
}

func (c *CachingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missIdx := map[string][]int{}
	var missing []string

	c.mu.Lock()
	now := time.Now()
	for i, t := range texts {
		key := cacheKey(t)
		if e, ok := c.entries[key]; ok && (c.ttl <= 0 || now.Sub(e.CreatedAt) <= c.ttl) {
			e.LastAccess = now
			e.AccessCount++
			c.metrics.Hits++
			out[i] = e.Vector
			continue
		}
		c.metrics.Misses++
		if _, seen := missIdx[key]; !seen {
			missing = append(missing, t)
		}
		missIdx[key] = append(missIdx[key], i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for j, t := range missing {
		key := cacheKey(t)
		for _, i := range missIdx[key] {
			out[i] = vecs[j]
		}
		c.ensureSpace()
		c.entries[key] = &CacheEntry{Vector: vecs[j], CreatedAt: now, LastAccess: now}
	}
	c.metrics.EntryCount = int64(len(c.entries))
	return out, nil
}

// ensureSpace evicts until one more entry fits. Caller holds mu.
func (c *CachingEmbedder) ensureSpace() {
	for len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.LastAccess.Before(oldest) {
				oldestKey, oldest = k, e.LastAccess
			}
		}
		delete(c.entries, oldestKey)
		c.metrics.Evictions++
	}
}

// GetMetrics 获取缓存指标
func (c *CachingEmbedder) GetMetrics() CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.EntryCount = int64(len(c.entries))
	return m
}

func cacheKey(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}
