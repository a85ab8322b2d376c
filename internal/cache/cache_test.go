package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Config{Layers: 3, MaxSize: 10, DefaultTTL: time.Minute})
	require.NoError(t, err)
	return c
}

func TestFingerprintKeyIsStableRegardlessOfMapOrder(t *testing.T) {
	k1, err := FingerprintKey("search", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	k2, err := FingerprintKey("search", map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	c.Set("k1", "hello", 0, false)

	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestGetMissingIsMiss(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestExpiredEntryIsEvictedOnAccess(t *testing.T) {
	c := newTestCache(t)
	c.Set("k1", "v", time.Nanosecond, false)
	time.Sleep(time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestPredictedEntryLandsInLayerOne(t *testing.T) {
	c := newTestCache(t)
	c.Set("predicted", "v", 0, true)

	found := false
	for i, l := range c.layers {
		if item, ok := l.Peek("predicted"); ok {
			assert.Equal(t, 1, i)
			assert.Equal(t, 0.8, item.PredictedScore)
			found = true
		}
	}
	assert.True(t, found)
}

func TestFrequentAccessPromotesTowardLayerZero(t *testing.T) {
	c := newTestCache(t)
	c.Set("hot", "v", 0, false)

	for i := 0; i < 50; i++ {
		_, ok := c.Get("hot")
		require.True(t, ok)
	}

	_, inLayerZero := c.layers[0].Peek("hot")
	assert.True(t, inLayerZero, "an item accessed many times in quick succession should reach the hottest layer")
}

func TestEvictionDropsLowestAccessCountFirst(t *testing.T) {
	c := newTestCache(t)
	c.config.MaxSize = 2

	c.Set("a", 1, 0, false)
	c.Set("b", 2, 0, false)
	_, _ = c.Get("a")

	c.Set("c", 3, 0, false)

	_, aOk := c.Get("a")
	_, bOk := c.Get("b")
	_, cOk := c.Get("c")
	assert.True(t, aOk, "a was accessed, should survive")
	assert.True(t, cOk, "c is the newest insert, should survive")
	assert.False(t, bOk, "b had the lowest access_count and should have been evicted")
}

func TestInvalidateRelatedRemovesTaggedEntries(t *testing.T) {
	c := newTestCache(t)
	c.Set("k1", "v1", 0, false, "cell_abc")
	c.Set("k2", "v2", 0, false, "cell_xyz")

	c.InvalidateRelated("cell_abc")

	_, ok1 := c.Get("k1")
	_, ok2 := c.Get("k2")
	assert.False(t, ok1)
	assert.True(t, ok2)
}

func TestGetStatsTracksHitsMissesAndLayers(t *testing.T) {
	c := newTestCache(t)
	c.Set("k1", "v1", 0, false)

	_, _ = c.Get("k1")
	_, _ = c.Get("k1")
	_, _ = c.Get("absent")

	stats := c.GetStats()
	assert.Equal(t, 1, stats.TotalItems)
	assert.Len(t, stats.LayerSizes, 3)
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
}

func TestHotPatternsRanksByObservationCount(t *testing.T) {
	c := newTestCache(t)

	frequent := CoarseParams{CellKey: "cell1", QueryType: "query"}
	rare := CoarseParams{CellKey: "cell2", QueryType: "get_item"}
	for i := 0; i < 5; i++ {
		c.RegisterQuery(frequent)
	}
	c.RegisterQuery(rare)

	hot := c.HotPatterns(10)
	require.Len(t, hot, 2)
	assert.Equal(t, "cell1", hot[0].CellKey)
	assert.EqualValues(t, 5, hot[0].Count)

	assert.Len(t, c.HotPatterns(1), 1)
}

func TestPatternLearningSuccessorHistogram(t *testing.T) {
	c := newTestCache(t)

	p1 := CoarseParams{CellKey: "cell1", QueryType: "search"}
	p2 := CoarseParams{CellKey: "cell1", QueryType: "aggregate"}
	p3 := CoarseParams{CellKey: "cell1", QueryType: "filter"}

	// P1, P2, P1, P2, P3
	c.RegisterQuery(p1)
	c.RegisterQuery(p2)
	c.RegisterQuery(p1)
	c.RegisterQuery(p2)
	c.RegisterQuery(p3)

	s1 := c.patterns[p1.signature()]
	s2 := c.patterns[p2.signature()]
	require.NotNil(t, s1)
	require.NotNil(t, s2)

	assert.EqualValues(t, 2, s1.Successors[p2.signature()])
	assert.EqualValues(t, 1, s2.Successors[p1.signature()])
	assert.EqualValues(t, 1, s2.Successors[p3.signature()])

	hints := c.GetPreloadHints(10)
	foundP2 := false
	for _, h := range hints {
		if h.QueryType == "aggregate" {
			foundP2 = true
		}
	}
	assert.True(t, foundP2, "preload hints should surface the likely successor pattern")
}

func TestPersistAndLoadPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.json")

	c, err := New(Config{Layers: 2, MaxSize: 10, PatternsPath: path})
	require.NoError(t, err)

	p := CoarseParams{CellKey: "cell1", QueryType: "search"}
	for i := 0; i < 3; i++ {
		c.RegisterQuery(p)
	}
	require.NoError(t, c.PersistPatterns())

	reloaded, err := New(Config{Layers: 2, MaxSize: 10, PatternsPath: path})
	require.NoError(t, err)
	require.NoError(t, reloaded.LoadPatterns())

	state := reloaded.patterns[p.signature()]
	require.NotNil(t, state)
	assert.EqualValues(t, 3, state.Count)
}

func TestPatternsBelowThreeObservationsAreNotPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.json")

	c, err := New(Config{Layers: 2, MaxSize: 10, PatternsPath: path})
	require.NoError(t, err)

	c.RegisterQuery(CoarseParams{CellKey: "cell1", QueryType: "search"})
	require.NoError(t, c.PersistPatterns())

	reloaded, err := New(Config{Layers: 2, MaxSize: 10, PatternsPath: path})
	require.NoError(t, err)
	require.NoError(t, reloaded.LoadPatterns())
	assert.Empty(t, reloaded.patterns)
}
