package stagingcache

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
)

// populate brings e from Absent into Populating/Clean, fetching the
// backend's current content unless skipFetch is set (a fresh create, or a
// write that will overwrite the whole object from offset 0). Callers must
// hold e.mu.
func (c *Cache) populate(ctx context.Context, e *entry, skipFetch bool) error {
	if e.state != stateAbsent {
		return nil
	}
	e.state = statePopulating

	f, err := os.OpenFile(e.stagingPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		e.state = stateAbsent
		return fserrors.Wrap("populate", e.path, err, false)
	}

	if !skipFetch {
		meta, statErr := c.inner.Stat(ctx, e.path)
		if statErr != nil && !fserrors.Is(statErr, fserrors.NotFound) {
			f.Close()
			e.state = stateAbsent
			return statErr
		}
		if statErr == nil && meta.Size > 0 {
			data, readErr := c.inner.Read(ctx, e.path, 0, uint32(meta.Size))
			if readErr != nil {
				f.Close()
				e.state = stateAbsent
				return readErr
			}
			if _, err := f.Write(data); err != nil {
				f.Close()
				e.state = stateAbsent
				return fserrors.Wrap("populate", e.path, err, false)
			}
			e.logicalSize = uint64(len(data))
		}
		e.isNew = fserrors.Is(statErr, fserrors.NotFound)
	} else {
		e.isNew = true
	}

	f.Close()
	e.state = stateClean
	e.lastAccess = time.Now()
	c.addBytes(int64(e.logicalSize))
	return nil
}

func (c *Cache) addBytes(delta int64) {
	c.mu.Lock()
	c.totalBytes += delta
	total := c.totalBytes
	c.mu.Unlock()
	c.metrics.SetStagedBytes(c.mountPath, total)
}

func (c *Cache) Stat(ctx context.Context, path string) (connector.Metadata, error) {
	if e := c.getEntry(path); e != nil {
		e.mu.Lock()
		if e.state != stateAbsent {
			meta := connector.Metadata{FileType: connector.FileTypeFile, Size: e.logicalSize, Mtime: time.Now()}
			e.mu.Unlock()
			return meta, nil
		}
		e.mu.Unlock()
	}

	c.metaMu.RLock()
	if m, ok := c.metaCache[path]; ok && time.Now().Before(m.expiresAt) {
		meta := m.meta
		c.metaMu.RUnlock()
		return meta, nil
	}
	c.metaMu.RUnlock()

	meta, err := c.inner.Stat(ctx, path)
	if err != nil {
		return connector.Metadata{}, err
	}
	c.cacheMeta(path, meta)
	return meta, nil
}

func (c *Cache) cacheMeta(path string, meta connector.Metadata) {
	if c.cfg.MetadataTTL <= 0 {
		return
	}
	c.metaMu.Lock()
	c.metaCache[path] = metaEntry{meta: meta, expiresAt: time.Now().Add(c.cfg.MetadataTTL)}
	c.metaMu.Unlock()
}

func (c *Cache) invalidateMeta(path string) {
	c.metaMu.Lock()
	delete(c.metaCache, path)
	c.metaMu.Unlock()
}

func (c *Cache) Read(ctx context.Context, path string, offset uint64, size uint32) ([]byte, error) {
	if e := c.getEntry(path); e != nil {
		e.mu.Lock()
		if e.state != stateAbsent {
			data, err := e.readStaged(offset, size)
			e.lastAccess = time.Now()
			e.mu.Unlock()
			c.metrics.RecordCacheHit()
			return data, err
		}
		e.mu.Unlock()
	}

	if c.inner.Capabilities().RangeRead && !c.inner.CacheRequirements().ReadCache {
		c.metrics.RecordCacheMiss()
		return c.inner.Read(ctx, path, offset, size)
	}

	c.metrics.RecordCacheMiss()
	e := c.getOrCreateEntry(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.populate(ctx, e, false); err != nil {
		return nil, err
	}
	return e.readStaged(offset, size)
}

// readStaged must be called with e.mu held.
func (e *entry) readStaged(offset uint64, size uint32) ([]byte, error) {
	if offset >= e.logicalSize {
		return nil, nil
	}
	f, err := os.Open(e.stagingPath)
	if err != nil {
		return nil, fserrors.Wrap("read", e.path, err, false)
	}
	defer f.Close()

	end := offset + uint64(size)
	if end > e.logicalSize {
		end = e.logicalSize
	}
	buf := make([]byte, end-offset)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, fserrors.Wrap("read", e.path, err, false)
	}
	return buf[:n], nil
}

func (c *Cache) Write(ctx context.Context, path string, offset uint64, data []byte) (uint64, error) {
	e := c.getOrCreateEntry(path)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateAbsent {
		// Skip the fetch only when this write covers the whole existing
		// object (or there is none yet); a shorter write at offset 0 must
		// keep the object's tail.
		skipFetch := false
		if offset == 0 {
			meta, statErr := c.inner.Stat(ctx, path)
			skipFetch = fserrors.Is(statErr, fserrors.NotFound) ||
				(statErr == nil && meta.Size <= uint64(len(data)))
		}
		if err := c.populate(ctx, e, skipFetch); err != nil {
			return 0, err
		}
	}

	f, err := os.OpenFile(e.stagingPath, os.O_RDWR, 0o600)
	if err != nil {
		return 0, fserrors.Wrap("write", path, err, false)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return 0, fserrors.Wrap("write", path, err, false)
	}

	end := offset + uint64(len(data))
	if end > e.logicalSize {
		c.addBytes(int64(end - e.logicalSize))
		e.logicalSize = end
	}
	e.markDirty(offset, end)
	e.lastAccess = time.Now()
	if e.state != stateDirty {
		e.firstDirty = time.Now()
	}
	e.state = stateDirty

	return uint64(len(data)), nil
}

func (c *Cache) CreateFile(ctx context.Context, path string) error {
	return c.CreateFileWithMode(ctx, path, connector.DefaultFileMode)
}

func (c *Cache) CreateFileWithMode(ctx context.Context, path string, mode uint32) error {
	e := c.getOrCreateEntry(path)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateAbsent {
		return fserrors.New(fserrors.AlreadyExists, "create_file", path)
	}
	if err := c.populate(ctx, e, true); err != nil {
		return err
	}
	e.state = stateDirty
	e.firstDirty = time.Now()
	_ = mode // the mode is neither staged nor passed on to the backend
	return nil
}

func (c *Cache) CreateDir(ctx context.Context, path string) error {
	return c.CreateDirWithMode(ctx, path, connector.DefaultDirMode)
}

// CreateDirWithMode passes directories straight through: the cache only
// stages file content, never directory structure.
func (c *Cache) CreateDirWithMode(ctx context.Context, path string, mode uint32) error {
	if err := c.inner.CreateDirWithMode(ctx, path, mode); err != nil {
		return err
	}
	c.invalidateMeta(parentOf(path))
	return nil
}

func (c *Cache) RemoveFile(ctx context.Context, path string) error {
	if err := c.inner.RemoveFile(ctx, path); err != nil {
		return err
	}
	c.removeEntry(path)
	c.invalidateMeta(path)
	c.invalidateMeta(parentOf(path))
	return nil
}

func (c *Cache) removeEntry(path string) {
	c.mu.Lock()
	e, ok := c.entries[path]
	if ok {
		delete(c.entries, path)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state != stateAbsent {
		c.addBytes(-int64(e.logicalSize))
		os.Remove(e.stagingPath)
	}
	e.mu.Unlock()
}

func (c *Cache) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if err := c.inner.RemoveDir(ctx, path, recursive); err != nil {
		return err
	}
	c.invalidateMeta(path)
	c.invalidateMeta(parentOf(path))
	return nil
}

// ListDir always goes straight to the backend: the cache doesn't stage
// directory structure, only file content.
func (c *Cache) ListDir(ctx context.Context, path string) (connector.DirCursor, error) {
	return c.inner.ListDir(ctx, path)
}

// Rename forwards to the backend when it supports rename natively,
// migrating any staged entry to the new path. When the backend can't
// rename, it returns NotSupported so the capability layer synthesizes the
// move via Read/Write/RemoveFile against this same cache.
func (c *Cache) Rename(ctx context.Context, from, to string) error {
	if !c.inner.Capabilities().Rename {
		return fserrors.New(fserrors.NotSupported, "rename", from)
	}
	if err := c.inner.Rename(ctx, from, to); err != nil {
		return err
	}

	c.mu.Lock()
	if e, ok := c.entries[from]; ok {
		delete(c.entries, from)
		e.path = to
		c.entries[to] = e
	}
	c.mu.Unlock()

	c.invalidateMeta(from)
	c.invalidateMeta(to)
	return nil
}

// Truncate resizes the staged copy of path, growing with zero-fill or
// shrinking, and marks the affected region dirty. This is the cache's
// actual job regardless of whether the backend itself can truncate,
// since truncation is only ever correct against the locally staged
// content.
func (c *Cache) Truncate(ctx context.Context, path string, size uint64) error {
	e := c.getOrCreateEntry(path)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateAbsent {
		if err := c.populate(ctx, e, false); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(e.stagingPath, os.O_RDWR, 0o600)
	if err != nil {
		return fserrors.Wrap("truncate", path, err, false)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return fserrors.Wrap("truncate", path, err, false)
	}

	delta := int64(size) - int64(e.logicalSize)
	c.addBytes(delta)
	e.logicalSize = size
	e.clipDirty(size)
	e.markDirty(0, size)
	if e.state != stateDirty {
		e.firstDirty = time.Now()
	}
	e.state = stateDirty

	c.invalidateMeta(path)
	return nil
}

// Flush commits a dirty entry to the backend, then always calls the
// backend's own Flush for symmetry with connectors that buffer
// internally.
func (c *Cache) Flush(ctx context.Context, path string) error {
	if e := c.getEntry(path); e != nil {
		if err := c.flushEntry(ctx, e); err != nil {
			return err
		}
	}
	return c.inner.Flush(ctx, path)
}

// flushEntry uploads a dirty entry's staged content to the backend. Only
// the whole-object path is implemented since every connector this
// adapter ships lacks random_write; a future connector that declares
// random_write would let this submit just e.dirty instead.
func (c *Cache) flushEntry(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.state != stateDirty {
		e.mu.Unlock()
		return nil
	}
	e.state = stateFlushing
	path := e.path
	stagingPath := e.stagingPath
	size := e.logicalSize
	e.mu.Unlock()

	f, err := os.Open(stagingPath)
	if err != nil {
		e.mu.Lock()
		e.state = stateDirty
		e.flushErr = err
		e.mu.Unlock()
		return fserrors.Wrap("flush", path, err, false)
	}
	data := make([]byte, size)
	_, err = io.ReadFull(f, data)
	f.Close()
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		e.mu.Lock()
		e.state = stateDirty
		e.flushErr = err
		e.mu.Unlock()
		return fserrors.Wrap("flush", path, err, false)
	}

	uploadErr := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := c.inner.Write(ctx, path, 0, data)
		return err
	})
	if uploadErr != nil {
		e.mu.Lock()
		e.state = stateDirty
		e.flushErr = uploadErr
		e.mu.Unlock()
		return uploadErr
	}

	e.mu.Lock()
	e.state = stateClean
	e.flushErr = nil
	e.isNew = false
	e.dirty = e.dirty[:0]
	e.mu.Unlock()

	c.invalidateMeta(path)
	return nil
}

// evictIfOverBudget drops clean entries, least-recently-used first, until
// total staged bytes is back under the configured budget. Dirty and
// flushing entries are never evicted.
func (c *Cache) evictIfOverBudget(ctx context.Context) {
	if c.cfg.MaxBytes <= 0 {
		return
	}

	c.mu.RLock()
	over := c.totalBytes > c.cfg.MaxBytes
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}
	c.mu.RUnlock()
	if !over {
		return
	}

	sortByLastAccess(candidates)

	for _, e := range candidates {
		c.mu.RLock()
		stillOver := c.totalBytes > c.cfg.MaxBytes
		c.mu.RUnlock()
		if !stillOver {
			return
		}

		e.mu.Lock()
		if e.state != stateClean {
			e.mu.Unlock()
			continue
		}
		os.Remove(e.stagingPath)
		c.addBytes(-int64(e.logicalSize))
		e.state = stateAbsent
		e.logicalSize = 0
		e.mu.Unlock()
	}
}

func sortByLastAccess(entries []*entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].lastAccess.Before(entries[j-1].lastAccess); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func (c *Cache) SetMode(ctx context.Context, path string, mode uint32) error {
	if !c.inner.Capabilities().SetMode {
		return fserrors.New(fserrors.NotSupported, "set_mode", path)
	}
	if err := c.inner.SetMode(ctx, path, mode); err != nil {
		return err
	}
	c.invalidateMeta(path)
	return nil
}

func parentOf(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}
