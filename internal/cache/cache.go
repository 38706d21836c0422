// Package cache provides the incremental-run cache keyed by target
// fingerprint, adapted from the engine's resource manager: an in-memory LRU
// with overflow spilled to disk and a best-effort checkpoint log.
package cache

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/signaler/engine/models"
)

type Config struct {
	Capacity           int
	SpillDirectory     string
	CheckpointPath     string
	CheckpointInterval time.Duration
}

func (c Config) Normalize() Config {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 50 * time.Millisecond
	}
	return c
}

// Cache stores TargetResult entries by fingerprint so a subsequent run can
// skip re-auditing a (path, device) target whose fingerprint is unchanged.
type Cache struct {
	cfg          Config
	mu           sync.Mutex
	lru          *list.List
	entries      map[models.Fingerprint]*list.Element
	spill        map[models.Fingerprint]string
	checkpointCh chan models.Fingerprint
	watcher      *fsnotify.Watcher
	wg           sync.WaitGroup

	hits   int64
	misses int64
}

type cacheEntry struct {
	fp     models.Fingerprint
	result models.TargetResult
}

// schemaVersion stamps every entry spilled to disk. A cache hit requires
// both the fingerprint and the schema version to match the running
// binary's; a spilled entry written by an older schema is treated as a
// miss rather than returned stale (spec §4.7).
const schemaVersion = 1

// spillRecord is the on-disk envelope for a spilled entry, carrying the
// schema version alongside the result so a later Get can reject it.
type spillRecord struct {
	SchemaVersion int                 `json:"schemaVersion"`
	Result        models.TargetResult `json:"result"`
}

type Stats struct {
	Entries    int
	SpillFiles int
	Hits       int
	Misses     int
}

func New(cfg Config) (*Cache, error) {
	cfg = cfg.Normalize()
	c := &Cache{
		cfg:     cfg,
		lru:     list.New(),
		entries: make(map[models.Fingerprint]*list.Element),
		spill:   make(map[models.Fingerprint]string),
	}
	if cfg.SpillDirectory != "" {
		if err := os.MkdirAll(cfg.SpillDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("create cache spill directory: %w", err)
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err := w.Add(cfg.SpillDirectory); err == nil {
				c.watcher = w
				c.wg.Add(1)
				go c.watchSpillDir()
			} else {
				_ = w.Close()
			}
		}
	}
	if cfg.CheckpointPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CheckpointPath), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
		c.checkpointCh = make(chan models.Fingerprint, 1024)
		c.wg.Add(1)
		go c.checkpointLoop()
	}
	return c, nil
}

func (c *Cache) Close() error {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	if c.checkpointCh != nil {
		close(c.checkpointCh)
		c.checkpointCh = nil
	}
	c.wg.Wait()
	return nil
}

// watchSpillDir registers spill files written by a concurrent process sharing
// this spill directory, so a subsequent Get can find entries this instance
// never wrote itself.
func (c *Cache) watchSpillDir() {
	defer c.wg.Done()
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			fp := models.Fingerprint(strings.TrimSuffix(filepath.Base(ev.Name), ".json"))
			if fp == "" {
				continue
			}
			c.mu.Lock()
			if _, known := c.entries[fp]; !known {
				if _, known := c.spill[fp]; !known {
					c.spill[fp] = ev.Name
				}
			}
			c.mu.Unlock()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Get returns a cached TargetResult for the given fingerprint, checking the
// in-memory LRU first and falling back to a spilled disk entry. A hit
// requires both the fingerprint and the spilled entry's schema version to
// match; a schema mismatch is a miss, not a stale hit (spec §4.7).
func (c *Cache) Get(fp models.Fingerprint) (models.TargetResult, bool) {
	c.mu.Lock()
	if el, ok := c.entries[fp]; ok {
		c.lru.MoveToFront(el)
		res := el.Value.(*cacheEntry).result
		c.mu.Unlock()
		atomic.AddInt64(&c.hits, 1)
		res.FromCache = true
		return res, true
	}
	path, spilled := c.spill[fp]
	c.mu.Unlock()
	if !spilled {
		atomic.AddInt64(&c.misses, 1)
		return models.TargetResult{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return models.TargetResult{}, false
	}
	var rec spillRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.SchemaVersion != schemaVersion {
		c.mu.Lock()
		delete(c.spill, fp)
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		return models.TargetResult{}, false
	}
	res := rec.Result
	c.Put(fp, res)
	c.mu.Lock()
	delete(c.spill, fp)
	c.mu.Unlock()
	atomic.AddInt64(&c.hits, 1)
	res.FromCache = true
	return res, true
}

// Put stores (or refreshes) a TargetResult under its fingerprint, evicting
// the least-recently-used entry to disk when over capacity.
func (c *Cache) Put(fp models.Fingerprint, result models.TargetResult) {
	if fp == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fp]; ok {
		el.Value.(*cacheEntry).result = result
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&cacheEntry{fp: fp, result: result})
	c.entries[fp] = el
	if c.cfg.Capacity > 0 {
		for len(c.entries) > c.cfg.Capacity {
			c.evictOldest()
		}
	}
}

// Checkpoint records a fingerprint as durably completed, so an interrupted
// run can be resumed without redoing already-finished targets.
func (c *Cache) Checkpoint(fp models.Fingerprint) {
	if c.checkpointCh == nil || fp == "" {
		return
	}
	select {
	case c.checkpointCh <- fp:
	default:
	}
}

// Index returns the fingerprints currently known to the cache, in memory or
// spilled to disk, used to persist the cache.json manifest artifact.
func (c *Cache) Index() []models.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Fingerprint, 0, len(c.entries)+len(c.spill))
	for fp := range c.entries {
		out = append(out, fp)
	}
	for fp := range c.spill {
		if _, known := c.entries[fp]; !known {
			out = append(out, fp)
		}
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, spillFiles := len(c.entries), len(c.spill)
	c.mu.Unlock()
	return Stats{
		Entries:    entries,
		SpillFiles: spillFiles,
		Hits:       int(atomic.LoadInt64(&c.hits)),
		Misses:     int(atomic.LoadInt64(&c.misses)),
	}
}

func (c *Cache) checkpointLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CheckpointInterval)
	defer ticker.Stop()
	buf := make([]models.Fingerprint, 0, 64)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		f, err := os.OpenFile(c.cfg.CheckpointPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		w := bufio.NewWriter(f)
		for _, fp := range buf {
			_, _ = fmt.Fprintln(w, fp)
		}
		_ = w.Flush()
		_ = f.Close()
		buf = buf[:0]
	}
	for {
		select {
		case fp, ok := <-c.checkpointCh:
			if !ok {
				flush()
				return
			}
			buf = append(buf, fp)
			if len(buf) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (c *Cache) evictOldest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*cacheEntry)
	delete(c.entries, entry.fp)
	c.lru.Remove(back)
	if c.cfg.SpillDirectory == "" {
		return
	}
	path := filepath.Join(c.cfg.SpillDirectory, fmt.Sprintf("%s.json", entry.fp))
	data, err := json.Marshal(spillRecord{SchemaVersion: schemaVersion, Result: entry.result})
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return
	}
	c.spill[entry.fp] = path
}

// LoadCheckpoint reads a prior checkpoint log, returning the set of
// fingerprints that were recorded complete.
func LoadCheckpoint(path string) (map[models.Fingerprint]bool, error) {
	done := make(map[models.Fingerprint]bool)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return done, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		done[models.Fingerprint(line)] = true
	}
	return done, scanner.Err()
}
