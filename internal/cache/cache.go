// Package cache implements the Liquid Cache: a multi-layer mapping from
// opaque content hashes to values, with learned query-pattern transitions
// and preload hinting. Each layer is backed by an independent bounded LRU
// container so promotion/demotion between layers is a move between
// genuinely distinct structures, not a partition of one map.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r3e-cellvault/cellserver/pkg/metrics"
)

// Item is a single cached value with the bookkeeping needed for scoring,
// TTL expiration, and tag-based invalidation.
type Item struct {
	Key            string
	Value          interface{}
	CreatedAt      time.Time
	LastAccessed   time.Time
	AccessCount    int64
	TTL            time.Duration
	Layer          int
	PredictedScore float64
	Tags           []string
}

func (it *Item) expired(now time.Time) bool {
	return it.TTL > 0 && now.After(it.CreatedAt.Add(it.TTL))
}

func (it *Item) score(now time.Time) float64 {
	hours := now.Sub(it.LastAccessed).Hours()
	if hours < (1.0 / 3600.0) {
		hours = 1.0 / 3600.0
	}
	return float64(it.AccessCount) / hours * (1 + it.PredictedScore)
}

// Config controls Cache construction.
type Config struct {
	Layers       int
	MaxSize      int
	DefaultTTL   time.Duration
	PatternsPath string
}

// Cache is the Liquid Cache. All operations take the single lock mu;
// exported methods never call each other while holding it, so no
// actual reentrancy is needed.
type Cache struct {
	mu     sync.Mutex
	layers []*lru.Cache[string, *Item]
	config Config

	patterns         map[string]*patternState
	lastPattern      string
	observationCount int

	hits   int64
	misses int64
}

// New returns a Cache with cfg.Layers layers (default 3) and a combined
// capacity of cfg.MaxSize (default 1000) across all of them.
func New(cfg Config) (*Cache, error) {
	if cfg.Layers <= 0 {
		cfg.Layers = 3
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}

	c := &Cache{
		config:   cfg,
		patterns: make(map[string]*patternState),
	}
	for i := 0; i < cfg.Layers; i++ {
		l, err := lru.New[string, *Item](cfg.MaxSize)
		if err != nil {
			return nil, err
		}
		c.layers = append(c.layers, l)
	}
	return c, nil
}

// FingerprintKey builds the opaque content hash used as a cache key:
// md5(query_type + ":" + canonical_json(params)). encoding/json already
// sorts map keys, so Marshal alone is the canonical form.
func FingerprintKey(queryType string, params map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(append([]byte(queryType+":"), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

// Get looks up key across layers, promoting or demoting the entry
// according to its recomputed score on a hit.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for layerIdx, layer := range c.layers {
		item, ok := layer.Get(key)
		if !ok {
			continue
		}
		if item.expired(now) {
			layer.Remove(key)
			c.misses++
			metrics.RecordCacheLookup(false)
			return nil, false
		}

		item.AccessCount++
		item.LastAccessed = now
		c.rescoreAndMove(layerIdx, item)
		c.hits++
		metrics.RecordCacheLookup(true)
		return item.Value, true
	}
	c.misses++
	metrics.RecordCacheLookup(false)
	return nil, false
}

func (c *Cache) rescoreAndMove(currentLayer int, item *Item) {
	target := c.layerForScore(item.score(time.Now()))
	if target == currentLayer {
		c.layers[currentLayer].Add(item.Key, item)
		return
	}
	c.layers[currentLayer].Remove(item.Key)
	item.Layer = target
	c.layers[target].Add(item.Key, item)
	metrics.RecordCacheLayerMove(target < currentLayer)
}

func (c *Cache) layerForScore(score float64) int {
	maxLayer := len(c.layers) - 1
	switch {
	case score > 10:
		return 0
	case score > 5:
		return min(1, maxLayer)
	case score > 1:
		return min(2, maxLayer)
	default:
		return maxLayer
	}
}

// Set inserts or replaces value under key. Predicted entries (from a
// preload hint) land in layer 1; all other new entries land in the
// coldest non-zero layer.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration, predicted bool, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	layerIdx := len(c.layers) - 1
	if predicted {
		layerIdx = min(1, layerIdx)
	}

	now := time.Now()
	item := &Item{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
		TTL:          ttl,
		Layer:        layerIdx,
		Tags:         tags,
	}
	if predicted {
		item.PredictedScore = 0.8
	}
	c.layers[layerIdx].Add(key, item)
	for i, l := range c.layers {
		metrics.SetCacheLayerSize(i, l.Len())
	}

	c.evictIfOverCapacity()
}

func (c *Cache) totalSize() int {
	total := 0
	for _, l := range c.layers {
		total += l.Len()
	}
	return total
}

// evictIfOverCapacity drops the least-useful items (lowest access_count,
// then oldest last_access) starting from the coldest layer until the
// combined size is back within config.MaxSize. Caller must hold mu.
func (c *Cache) evictIfOverCapacity() {
	for c.totalSize() > c.config.MaxSize {
		evicted := false
		for layerIdx := len(c.layers) - 1; layerIdx >= 0; layerIdx-- {
			layer := c.layers[layerIdx]
			if layer.Len() == 0 {
				continue
			}
			worstKey := c.worstKeyInLayer(layer)
			layer.Remove(worstKey)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

func (c *Cache) worstKeyInLayer(layer *lru.Cache[string, *Item]) string {
	keys := layer.Keys()
	var worstKey string
	var worst *Item
	for _, k := range keys {
		item, ok := layer.Peek(k)
		if !ok {
			continue
		}
		if worst == nil || item.AccessCount < worst.AccessCount ||
			(item.AccessCount == worst.AccessCount && item.LastAccessed.Before(worst.LastAccessed)) {
			worst = item
			worstKey = k
		}
	}
	return worstKey
}

// Invalidate removes a single key from whichever layer holds it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		l.Remove(key)
	}
}

// InvalidateRelated removes every entry whose generating params carried
// tag, e.g. "cell_<key>".
func (c *Cache) InvalidateRelated(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.layers {
		for _, k := range l.Keys() {
			item, ok := l.Peek(k)
			if !ok {
				continue
			}
			for _, t := range item.Tags {
				if t == tag {
					l.Remove(k)
					break
				}
			}
		}
	}
}

// Stats is the cache's self-reported state, served by the admin surface.
type Stats struct {
	TotalItems    int     `json:"total_items"`
	MaxSize       int     `json:"max_size"`
	LayerSizes    []int   `json:"layer_sizes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	PatternsCount int     `json:"patterns_count"`
}

// GetStats returns a snapshot of entry counts per layer, hit/miss
// totals, and the number of learned query patterns.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := make([]int, len(c.layers))
	total := 0
	for i, l := range c.layers {
		sizes[i] = l.Len()
		total += sizes[i]
	}

	hitRate := 0.0
	if c.hits+c.misses > 0 {
		hitRate = float64(c.hits) / float64(c.hits+c.misses)
	}

	return Stats{
		TotalItems:    total,
		MaxSize:       c.config.MaxSize,
		LayerSizes:    sizes,
		Hits:          c.hits,
		Misses:        c.misses,
		HitRate:       hitRate,
		PatternsCount: len(c.patterns),
	}
}

// Size returns the total number of entries across all layers.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize()
}

// Clear empties every layer, used by the admin cache-flush endpoint.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		l.Purge()
	}
}
