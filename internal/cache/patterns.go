package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// patternState tracks how often a coarse query shape recurs and which
// other shapes tend to follow it, so the cache can preload what is
// likely to be asked for next.
type patternState struct {
	Signature    string           `json:"signature"`
	CellKey      string           `json:"cell_key,omitempty"`
	Collection   string           `json:"collection,omitempty"`
	QueryType    string           `json:"query_type,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Sort         string           `json:"sort,omitempty"`
	Count        int64            `json:"count"`
	LastSeen     time.Time        `json:"last_seen"`
	MeanInterval float64          `json:"mean_interval_seconds"`
	Successors   map[string]int64 `json:"successors"`
}

// CoarseParams is the reduced shape of a query used as a pattern key,
// deliberately dropping high-cardinality fields like filter values.
type CoarseParams struct {
	CellKey    string
	Collection string
	QueryType  string
	Limit      int
	Sort       string
}

func (p CoarseParams) signature() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", p.CellKey, p.Collection, p.QueryType, p.Limit, p.Sort)
}

// RegisterQuery records an observation of params, updates the rolling
// mean interval since that pattern was last seen, and bumps the
// successor histogram of whatever pattern preceded it.
func (c *Cache) RegisterQuery(params CoarseParams) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sig := params.signature()
	now := time.Now()

	state, ok := c.patterns[sig]
	if !ok {
		state = &patternState{
			Signature:  sig,
			CellKey:    params.CellKey,
			Collection: params.Collection,
			QueryType:  params.QueryType,
			Limit:      params.Limit,
			Sort:       params.Sort,
			Successors: make(map[string]int64),
		}
		c.patterns[sig] = state
	} else {
		// Count observations carry Count-1 intervals; this one is interval
		// number Count.
		interval := now.Sub(state.LastSeen).Seconds()
		n := float64(state.Count)
		state.MeanInterval = (state.MeanInterval*(n-1) + interval) / n
	}
	state.Count++
	state.LastSeen = now

	if c.lastPattern != "" && c.lastPattern != sig {
		if prev, ok := c.patterns[c.lastPattern]; ok {
			prev.Successors[sig]++
		}
	}
	c.lastPattern = sig

	c.observationCount++
	if c.observationCount%100 == 0 {
		_ = c.persistPatternsLocked()
	}
}

// likelySuccessors returns successor signatures whose observed
// frequency relative to from's total successor count is at least 0.3.
func (c *Cache) likelySuccessors(from string) []string {
	state, ok := c.patterns[from]
	if !ok || state.Count == 0 {
		return nil
	}
	var total int64
	for _, n := range state.Successors {
		total += n
	}
	if total == 0 {
		return nil
	}

	var likely []string
	for sig, n := range state.Successors {
		if float64(n)/float64(total) >= 0.3 {
			likely = append(likely, sig)
		}
	}
	sort.Strings(likely)
	return likely
}

// HotPattern is one entry of the most-observed pattern ranking served by
// the admin cache-stats endpoint.
type HotPattern struct {
	Signature    string    `json:"signature"`
	CellKey      string    `json:"cell_key,omitempty"`
	QueryType    string    `json:"query_type,omitempty"`
	Count        int64     `json:"count"`
	LastSeen     time.Time `json:"last_seen"`
	MeanInterval float64   `json:"mean_interval_seconds"`
}

// HotPatterns returns up to limit patterns ordered by observation count,
// hottest first.
func (c *Cache) HotPatterns(limit int) []HotPattern {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]HotPattern, 0, len(c.patterns))
	for _, state := range c.patterns {
		all = append(all, HotPattern{
			Signature:    state.Signature,
			CellKey:      state.CellKey,
			QueryType:    state.QueryType,
			Count:        state.Count,
			LastSeen:     state.LastSeen,
			MeanInterval: state.MeanInterval,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Signature < all[j].Signature
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// PreloadHint is a concrete recommendation of what to warm next.
type PreloadHint struct {
	CellKey    string `json:"cell_key"`
	Collection string `json:"collection,omitempty"`
	QueryType  string `json:"query_type,omitempty"`
}

// GetPreloadHints returns up to limit hints derived from the most
// frequently observed patterns and their likely successors.
func (c *Cache) GetPreloadHints(limit int) []PreloadHint {
	c.mu.Lock()
	defer c.mu.Unlock()

	type ranked struct {
		sig   string
		count int64
	}
	all := make([]ranked, 0, len(c.patterns))
	for sig, state := range c.patterns {
		all = append(all, ranked{sig, state.Count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].sig < all[j].sig
	})

	seen := make(map[string]bool)
	var hints []PreloadHint
	addHint := func(sig string) {
		if seen[sig] {
			return
		}
		seen[sig] = true
		state := c.patterns[sig]
		if state == nil {
			return
		}
		hints = append(hints, PreloadHint{
			CellKey:    state.CellKey,
			Collection: state.Collection,
			QueryType:  state.QueryType,
		})
	}

	for _, r := range all {
		if len(hints) >= limit {
			break
		}
		addHint(r.sig)
		for _, succ := range c.likelySuccessors(r.sig) {
			if len(hints) >= limit {
				break
			}
			addHint(succ)
		}
	}
	return hints
}

type persistedPatterns struct {
	Patterns []*patternState `json:"patterns"`
}

// persistPatternsLocked writes every pattern observed at least 3 times
// to config.PatternsPath. Caller must hold mu.
func (c *Cache) persistPatternsLocked() error {
	if c.config.PatternsPath == "" {
		return nil
	}

	out := persistedPatterns{}
	for _, state := range c.patterns {
		if state.Count >= 3 {
			out.Patterns = append(out.Patterns, state)
		}
	}
	sort.Slice(out.Patterns, func(i, j int) bool { return out.Patterns[i].Signature < out.Patterns[j].Signature })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.config.PatternsPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.config.PatternsPath, data, 0o600)
}

// PersistPatterns forces an out-of-cycle write, used by the scheduled
// persistence job.
func (c *Cache) PersistPatterns() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistPatternsLocked()
}

// LoadPatterns reloads previously persisted pattern state at startup.
// A missing file is not an error.
func (c *Cache) LoadPatterns() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.PatternsPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.config.PatternsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var in persistedPatterns
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	for _, state := range in.Patterns {
		if state.Successors == nil {
			state.Successors = make(map[string]int64)
		}
		c.patterns[state.Signature] = state
	}
	return nil
}
