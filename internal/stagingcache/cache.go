// Package stagingcache implements the write-buffer / read-through cache
// that sits between the capability layer and a connector: a filesystem-
// backed staging area that lets inherently whole-object backends (S3 and
// friends) support random writes, truncation and cheap repeated reads.
package stagingcache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/internal/metrics"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
	"github.com/objectfs/fuseadapter/pkg/retry"
	"github.com/objectfs/fuseadapter/pkg/utils"
)

// Config controls the staging cache's on-disk footprint and flush/eviction
// cadence.
type Config struct {
	// Dir is the directory staging files live in. Created if missing.
	Dir string
	// MaxBytes bounds the total size of staged content. Zero means
	// unbounded. Dirty and flushing entries are never evicted to satisfy
	// this bound, and the budget check does not flush them either: they
	// stay staged until an explicit, interval or shutdown flush.
	MaxBytes int64
	// FlushInterval is how long a dirty entry may sit before the
	// background flusher picks it up, even with no explicit flush.
	// Zero disables interval-based flushing (explicit flush only).
	FlushInterval time.Duration
	// MetadataTTL is how long a Stat result served from the backend is
	// cached before the next Stat re-fetches it.
	MetadataTTL time.Duration

	// RetryMaxAttempts, RetryInitialDelay and RetryMaxDelay tune the
	// backoff used to flush a dirty entry to the backend. Zero leaves the
	// package's default in place.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

type state int

const (
	stateAbsent state = iota
	statePopulating
	stateClean
	stateDirty
	stateFlushing
)

// byteRange is a half-open [start, end) interval.
type byteRange struct {
	start, end uint64
}

// entry is one path's staging-file bookkeeping. All access goes through
// mu; the cache holds entries behind its own map lock only long enough to
// find or create one.
type entry struct {
	mu sync.Mutex

	path        string
	state       state
	stagingPath string
	logicalSize uint64
	dirty       []byteRange
	isNew       bool // created locally, never confirmed on the backend
	firstDirty  time.Time
	lastAccess  time.Time
	flushErr    error
}

func (e *entry) stagedBytes() int64 {
	if e.state == stateAbsent {
		return 0
	}
	return int64(e.logicalSize)
}

// markDirty records [start, end) as modified, coalescing with any
// adjacent or overlapping range already recorded.
func (e *entry) markDirty(start, end uint64) {
	all := append(e.dirty, byteRange{start, end})
	sort.Slice(all, func(i, j int) bool { return all[i].start < all[j].start })
	e.dirty = coalesce(all)
}

func coalesce(ranges []byteRange) []byteRange {
	if len(ranges) < 2 {
		return ranges
	}
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func (e *entry) clipDirty(size uint64) {
	clipped := e.dirty[:0]
	for _, r := range e.dirty {
		if r.start >= size {
			continue
		}
		if r.end > size {
			r.end = size
		}
		clipped = append(clipped, r)
	}
	e.dirty = clipped
}

// Cache wraps a connector.Connector, staging reads and writes on local
// disk so operations the backend can't perform directly (random writes,
// truncation) are possible. Reads are staged too, so repeated reads of the
// same object don't repeat backend round-trips, when the backend declares
// read_cache or lacks range_read; otherwise uncached reads pass through.
type Cache struct {
	inner   connector.Connector
	cfg     Config
	logger  *utils.StructuredLogger
	retryer *retry.Retryer

	mu      sync.RWMutex
	entries map[string]*entry

	metaMu    sync.RWMutex
	metaCache map[string]metaEntry

	totalBytes int64 // protected by mu; sum of staged entries' logicalSize

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	metrics   *metrics.Collector
	mountPath string
}

// SetMetrics wires a Collector into the cache, attributing every staged-
// bytes gauge update to mountPath. A nil Collector (the default) leaves
// every Record call a no-op, so tests constructing a Cache directly never
// need to call this.
func (c *Cache) SetMetrics(m *metrics.Collector, mountPath string) {
	c.metrics = m
	c.mountPath = mountPath
	c.metrics.SetStagedBytes(c.mountPath, c.totalBytes)
}

type metaEntry struct {
	meta      connector.Metadata
	expiresAt time.Time
}

// New creates the staging directory if needed and starts the background
// flush loop. Callers must call Close to drain dirty entries before the
// process exits.
func New(inner connector.Connector, cfg Config, logger *utils.StructuredLogger) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fserrors.Internalf("stagingcache.new", "cache dir must not be empty")
	}
	if err := discardStaleCache(cfg.Dir); err != nil {
		return nil, fserrors.Wrap("stagingcache.new", cfg.Dir, err, false)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fserrors.Wrap("stagingcache.new", cfg.Dir, err, false)
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}

	c := &Cache{
		inner:     inner,
		cfg:       cfg,
		logger:    logger.WithComponent("stagingcache"),
		entries:   make(map[string]*entry),
		metaCache: make(map[string]metaEntry),
		stopCh:    make(chan struct{}),
	}

	retryer := retry.New(retry.DefaultConfig())
	if cfg.RetryMaxAttempts > 0 {
		retryer = retryer.WithMaxAttempts(cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialDelay > 0 {
		retryer = retryer.WithInitialDelay(cfg.RetryInitialDelay)
	}
	if cfg.RetryMaxDelay > 0 {
		retryer = retryer.WithMaxDelay(cfg.RetryMaxDelay)
	}
	retryer = retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("retrying backend flush", map[string]interface{}{
			"attempt": attempt, "delay": delay.String(), "error": err.Error(),
		})
		c.metrics.RecordFlushRetry()
	})
	c.retryer = retryer

	if cfg.FlushInterval > 0 {
		c.wg.Add(1)
		go c.flushLoop()
	}

	return c, nil
}

// discardStaleCache clears out any staging files left behind by a prior
// run. A restart never resumes a prior session's cache, staged index
// included: the backend is the only source of truth once a mount starts
// cold, so resuming would risk replaying writes the backend already
// confirmed or lost track of.
func discardStaleCache(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	stale := dir + ".stale"
	_ = os.RemoveAll(stale)
	if err := os.Rename(dir, stale); err != nil {
		return os.RemoveAll(dir)
	}
	return os.RemoveAll(stale)
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.flushDue(context.Background())
			c.evictIfOverBudget(context.Background())
			if err := c.persistIndex(); err != nil {
				c.logger.Warn("failed to persist staging index", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// flushDue flushes every dirty entry whose first-dirty timestamp is older
// than the configured interval.
func (c *Cache) flushDue(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.FlushInterval)

	c.mu.RLock()
	due := make([]*entry, 0)
	for _, e := range c.entries {
		e.mu.Lock()
		if e.state == stateDirty && e.firstDirty.Before(cutoff) {
			due = append(due, e)
		}
		e.mu.Unlock()
	}
	c.mu.RUnlock()

	for _, e := range due {
		if err := c.flushEntry(ctx, e); err != nil {
			c.logger.Warn("background flush failed", map[string]interface{}{"path": e.path, "error": err.Error()})
		}
	}
}

// Close drains every dirty entry (flushing it to the backend) and stops
// the background flush loop, mirroring the mount supervisor's
// drain-before-unmount shutdown sequence.
func (c *Cache) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.RLock()
	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, e := range all {
		e.mu.Lock()
		dirty := e.state == stateDirty
		e.mu.Unlock()
		if !dirty {
			continue
		}
		if err := c.flushEntry(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := c.persistIndex(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Cache) getEntry(path string) *entry {
	c.mu.RLock()
	e := c.entries[path]
	c.mu.RUnlock()
	return e
}

func (c *Cache) getOrCreateEntry(path string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		return e
	}
	e := &entry{path: path, stagingPath: c.stagingPathFor(path)}
	c.entries[path] = e
	return e
}

// stagingPathFor derives the on-disk staging filename for path the same way
// the teacher's persistent cache names its content files: the first 8 bytes
// of the SHA-256 of the key, hex-encoded. Hashing rather than flattening the
// path avoids both the max-filename-length problems a deeply nested key
// would hit and the escaping a flattened path needs when it contains bytes
// a filesystem treats specially.
func (c *Cache) stagingPathFor(path string) string {
	hash := sha256.Sum256([]byte(path))
	name := fmt.Sprintf("%x.staging", hash[:8])
	// SecureJoin guards against cfg.Dir itself resolving outside its own
	// cleaned form; the hashed name can never contain a path separator, but
	// every staging file write goes through this join regardless.
	joined, err := utils.SecureJoin(c.cfg.Dir, name)
	if err != nil {
		return filepath.Join(c.cfg.Dir, name)
	}
	return joined
}

func (c *Cache) Capabilities() connector.Capabilities {
	caps := c.inner.Capabilities()
	if caps.Write {
		caps.RandomWrite = true
		caps.Truncate = true
	}
	return caps
}

func (c *Cache) CacheRequirements() connector.CacheRequirements {
	return connector.CacheRequirements{WriteBuffer: connector.CacheNone, ReadCache: false}
}
