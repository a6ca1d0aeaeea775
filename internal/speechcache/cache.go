// Package speechcache provides a disk-backed, content-addressed cache for
// synthesized speech artifacts. Artifacts are keyed by a hash of the voice and
// the normalized text, and evicted least-recently-used against two independent
// limits: a maximum item count and a maximum total size.
package speechcache

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/normanking/voicedeck/internal/bus"
)

const artifactExt = ".wav"

// Config holds cache limits and location
type Config struct {
	Dir      string
	MaxItems int
	MaxBytes int64
}

// Cache indexes speech artifacts on disk and enforces LRU limits.
// Sweeps run on a background worker, never on the calling goroutine.
type Cache struct {
	mu          sync.Mutex
	cfg         Config
	logger      zerolog.Logger
	eventBus    *bus.EventBus
	entries     map[string]*entry
	lastWritten string // most recent write, exempt from the sweep that follows it

	sweepCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	path       string
	size       int64
	accessedAt time.Time
}

// New creates the cache directory if absent, rebuilds the index from existing
// artifacts (mod time as initial access time), and starts the sweep worker
// with an initial sweep queued.
func New(cfg Config, eventBus *bus.EventBus, logger zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		cfg:      cfg,
		logger:   logger.With().Str("component", "speechcache").Logger(),
		eventBus: eventBus,
		entries:  make(map[string]*entry),
		sweepCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.loadExisting()

	c.wg.Add(1)
	go c.sweepLoop()
	c.requestSweep()

	return c, nil
}

// Path returns the deterministic artifact path for a text+voice pair.
func (c *Cache) Path(text, voice string) string {
	return filepath.Join(c.cfg.Dir, key(text, voice)+artifactExt)
}

// Lookup reports whether an artifact for text+voice is cached, refreshing its
// recency on hit. IO problems are logged and reported as a miss.
func (c *Cache) Lookup(text, voice string) (string, bool) {
	k := key(text, voice)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return "", false
	}

	if _, err := os.Stat(e.path); err != nil {
		// File disappeared, drop the stale entry.
		c.logger.Warn().Err(err).Str("key", k).Msg("Cached artifact unreadable, removing entry")
		delete(c.entries, k)
		return "", false
	}

	e.accessedAt = time.Now()
	return e.path, true
}

// RecordWrite registers a newly published artifact and queues a sweep.
// The artifact itself survives that sweep even when it alone exceeds the size
// cap; it becomes evictable on the next write-triggered sweep.
func (c *Cache) RecordWrite(path string, size int64) {
	k := keyFromPath(path)

	c.mu.Lock()
	c.entries[k] = &entry{
		path:       path,
		size:       size,
		accessedAt: time.Now(),
	}
	c.lastWritten = k
	items, total := c.statsLocked()
	c.mu.Unlock()

	c.logger.Debug().
		Str("key", k).
		Str("size", humanize.Bytes(uint64(size))).
		Int("items", items).
		Str("total", humanize.Bytes(uint64(total))).
		Msg("Artifact registered")

	c.requestSweep()
}

// Stats returns the current resident item count and total byte size.
func (c *Cache) Stats() (items int, totalBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

// Close stops the sweep worker.
func (c *Cache) Close() {
	close(c.done)
	c.wg.Wait()
}

// EnforceLimits deletes oldest entries until both limits are satisfied.
// Victims are unindexed under the lock; files are removed outside it so
// concurrent lookups of other entries never wait on disk IO. A file that
// cannot be deleted is re-registered and left for a later sweep.
func (c *Cache) EnforceLimits() {
	c.mu.Lock()
	victims := c.selectVictimsLocked()
	c.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	evicted := 0
	var freed int64
	for _, v := range victims {
		if err := os.Remove(v.e.path); err != nil && !os.IsNotExist(err) {
			// Busy or locked file: skip it, a later sweep retries.
			c.logger.Debug().Err(err).Str("key", v.key).Msg("Artifact busy, deferring removal")
			c.mu.Lock()
			c.entries[v.key] = v.e
			c.mu.Unlock()
			continue
		}
		evicted++
		freed += v.e.size
	}

	if evicted == 0 {
		return
	}

	c.mu.Lock()
	items, total := c.statsLocked()
	c.mu.Unlock()

	c.logger.Info().
		Int("evicted", evicted).
		Str("freed", humanize.Bytes(uint64(freed))).
		Int("items", items).
		Str("total", humanize.Bytes(uint64(total))).
		Msg("Cache swept")

	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeCacheSwept,
			Data: map[string]any{
				"evicted":     evicted,
				"freed_bytes": freed,
				"items":       items,
				"total_bytes": total,
			},
		})
	}
}

type victim struct {
	key string
	e   *entry
}

// selectVictimsLocked removes oldest entries from the index until both limits
// hold, skipping the most recently written artifact, and returns them for
// deletion.
func (c *Cache) selectVictimsLocked() []victim {
	items, total := c.statsLocked()
	if items <= c.cfg.MaxItems && total <= c.cfg.MaxBytes {
		return nil
	}

	ordered := make([]victim, 0, len(c.entries))
	for k, e := range c.entries {
		ordered = append(ordered, victim{key: k, e: e})
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].e.accessedAt.Before(ordered[j].e.accessedAt)
	})

	var victims []victim
	for _, v := range ordered {
		if items <= c.cfg.MaxItems && total <= c.cfg.MaxBytes {
			break
		}
		if v.key == c.lastWritten {
			continue
		}
		delete(c.entries, v.key)
		victims = append(victims, v)
		items--
		total -= v.e.size
	}
	return victims
}

func (c *Cache) statsLocked() (int, int64) {
	var total int64
	for _, e := range c.entries {
		total += e.size
	}
	return len(c.entries), total
}

// loadExisting rebuilds the index from artifacts already on disk.
func (c *Cache) loadExisting() {
	matches, err := filepath.Glob(filepath.Join(c.cfg.Dir, "*"+artifactExt))
	if err != nil {
		c.logger.Warn().Err(err).Msg("Scanning existing artifacts failed")
		return
	}
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		c.entries[keyFromPath(p)] = &entry{
			path:       p,
			size:       info.Size(),
			accessedAt: info.ModTime(),
		}
	}
	if len(c.entries) > 0 {
		items, total := c.statsLocked()
		c.logger.Info().
			Int("items", items).
			Str("total", humanize.Bytes(uint64(total))).
			Msg("Loaded existing cache entries")
	}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.sweepCh:
			c.EnforceLimits()
		}
	}
}

// requestSweep queues a sweep on the worker, coalescing with any pending one.
func (c *Cache) requestSweep() {
	select {
	case c.sweepCh <- struct{}{}:
	default:
	}
}

// key produces a deterministic SHA-256 hex key from the voice and the
// whitespace-normalized text.
func key(text, voice string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s", voice, strings.Join(strings.Fields(text), " "))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func keyFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), artifactExt)
}
