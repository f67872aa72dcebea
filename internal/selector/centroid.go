package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/machina/machina/internal/embedding"
	"github.com/machina/machina/internal/registry"
)

const centroidCacheCap = 256

// cacheEntry is one cached embedding, evicted FIFO-ish once the cache is
// at capacity (the teacher's embedding package has no cache of its own;
// this is new code in the spec's general small-struct-plus-mutex idiom).
type cacheEntry struct {
	key   string
	value []float32
}

type lruishCache struct {
	mu      sync.Mutex
	order   []string
	entries map[string][]float32
	cap     int
}

func newCache(capacity int) *lruishCache {
	return &lruishCache{entries: make(map[string][]float32), cap: capacity}
}

func (c *lruishCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *lruishCache) put(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = value
	for len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// CentroidSelector embeds goal_context and each menu item's seed text,
// picking the SID with the highest dot product. Generalizes the teacher's
// internal/embedding engine abstraction (EmbeddingEngine interface,
// CosineSimilarity/FindTopK) directly.
type CentroidSelector struct {
	engine          embedding.EmbeddingEngine
	menuCache       *lruishCache // keyed by menuDigestCacheKey(menu_digest, dim, aid)
	goalCache       *lruishCache // keyed by "<goal_context>|<dim>"
}

// NewCentroid wraps engine for use as a selector.
func NewCentroid(engine embedding.EmbeddingEngine) *CentroidSelector {
	return &CentroidSelector{
		engine:    engine,
		menuCache: newCache(centroidCacheCap),
		goalCache: newCache(centroidCacheCap),
	}
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func itemSeed(item registry.MenuItem) string {
	tags := append([]string(nil), item.Tags...)
	sort.Strings(tags)
	return item.AID + "|" + strings.Join(tags, ",")
}

// Select embeds goal_context (cache-keyed by goal_context+dim) and each
// menu item's seed (cache-keyed by menu_digest+dim+aid), then ranks by dot
// product, breaking ties by lower SID. No I/O on the hot path when both
// caches are warm.
func (s *CentroidSelector) Select(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode ControlMode, inputsJSON string) (Selection, error) {
	dim := s.engine.Dimensions()

	goalKey := fmt.Sprintf("%s|%d", goalContext, dim)
	goalVec, ok := s.goalCache.get(goalKey)
	if !ok {
		v, err := s.engine.Embed(ctx, goalContext)
		if err != nil {
			return Selection{}, fmt.Errorf("selector: embed goal context: %w", err)
		}
		s.goalCache.put(goalKey, v)
		goalVec = v
	}

	var best uint16
	var bestScore float64
	found := false

	var toEmbedSeeds []string
	var toEmbedItems []registry.MenuItem
	for _, item := range menu.Items {
		if item.AID == registry.AIDNoop {
			continue
		}
		key := menuDigestCacheKey(menu.Digest, dim, item.AID)
		if vec, ok := s.menuCache.get(key); ok {
			score := dotProduct(goalVec, vec)
			if !found || score > bestScore || (score == bestScore && item.SID < best) {
				best, bestScore, found = item.SID, score, true
			}
			continue
		}
		toEmbedSeeds = append(toEmbedSeeds, itemSeed(item))
		toEmbedItems = append(toEmbedItems, item)
	}

	if len(toEmbedSeeds) > 0 {
		vecs, err := s.engine.EmbedBatch(ctx, toEmbedSeeds)
		if err != nil {
			return Selection{}, fmt.Errorf("selector: embed menu items: %w", err)
		}
		for i, item := range toEmbedItems {
			key := menuDigestCacheKey(menu.Digest, dim, item.AID)
			s.menuCache.put(key, vecs[i])
			score := dotProduct(goalVec, vecs[i])
			if !found || score > bestScore || (score == bestScore && item.SID < best) {
				best, bestScore, found = item.SID, score, true
			}
		}
	}

	if !found {
		return Selection{Kind: KindInvalid, InvalidReason: "empty menu"}, nil
	}
	return Selection{Kind: KindPick, SID: best}, nil
}

// menuDigestCacheKey hashes the (menu digest, embedding dimension, aid)
// triple into the menuCache key, so a stale vector from a differently-sized
// embedding model can never collide with a current one.
func menuDigestCacheKey(menuDigest string, dim int, aid string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", menuDigest, dim, aid)))
	return hex.EncodeToString(h[:])
}
