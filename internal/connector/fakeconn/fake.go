// Package fakeconn provides an in-memory connector for exercising the
// capability layer, staging cache and FUSE bridge without a real backend.
package fakeconn

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
)

type node struct {
	data     []byte
	isDir    bool
	mtime    time.Time
	mode     uint32
	hasMode  bool
}

// Connector is an in-memory connector::Connector. It is configured with a
// Capabilities value at construction so tests can exercise the capability
// layer's synthesis paths (e.g. a read-write, non-renaming connector) as
// well as a fully-capable one.
type Connector struct {
	mu    sync.Mutex
	nodes map[string]*node
	caps  connector.Capabilities
	cacheReqs connector.CacheRequirements

	// FailNextWrite, if non-nil, is returned (and cleared) on the next
	// call to Write, for exercising retry/circuit-breaker paths.
	FailNextWrite error
}

// New returns a Connector with the given capabilities and an empty root
// directory.
func New(caps connector.Capabilities) *Connector {
	c := &Connector{
		nodes: make(map[string]*node),
		caps:  caps,
	}
	c.nodes["/"] = &node{isDir: true, mtime: time.Time{}}
	return c
}

// WithCacheRequirements sets the value CacheRequirements returns and
// returns c for chaining.
func (c *Connector) WithCacheRequirements(r connector.CacheRequirements) *Connector {
	c.cacheReqs = r
	return c
}

func (c *Connector) Capabilities() connector.Capabilities { return c.caps }

func (c *Connector) CacheRequirements() connector.CacheRequirements { return c.cacheReqs }

func (c *Connector) Stat(ctx context.Context, path string) (connector.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return connector.Metadata{}, fserrors.New(fserrors.NotFound, "stat", path)
	}
	return metadataOf(n), nil
}

func metadataOf(n *node) connector.Metadata {
	m := connector.Metadata{Mtime: n.mtime}
	if n.isDir {
		m.FileType = connector.FileTypeDir
	} else {
		m.FileType = connector.FileTypeFile
		m.Size = uint64(len(n.data))
	}
	if n.hasMode {
		mode := n.mode
		m.Mode = &mode
	}
	return m
}

func (c *Connector) Read(ctx context.Context, path string, offset uint64, size uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok || n.isDir {
		return nil, fserrors.New(fserrors.NotFound, "read", path)
	}
	if offset >= uint64(len(n.data)) {
		return nil, nil
	}
	end := offset + uint64(size)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	out := make([]byte, end-offset)
	copy(out, n.data[offset:end])
	return out, nil
}

func (c *Connector) Write(ctx context.Context, path string, offset uint64, data []byte) (uint64, error) {
	if c.FailNextWrite != nil {
		err := c.FailNextWrite
		c.FailNextWrite = nil
		return 0, err
	}
	if !c.caps.Write {
		return 0, fserrors.New(fserrors.ReadOnly, "write", path)
	}
	if !c.caps.RandomWrite && offset != 0 {
		return 0, fserrors.New(fserrors.NotSupported, "write", path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		n = &node{}
		c.nodes[path] = n
	}
	if !c.caps.RandomWrite {
		// Whole-object backend: an offset-0 write replaces the object.
		n.data = append([]byte(nil), data...)
		n.mtime = time.Now()
		return uint64(len(data)), nil
	}
	end := offset + uint64(len(data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[offset:end], data)
	n.mtime = time.Now()
	return uint64(len(data)), nil
}

func (c *Connector) CreateFile(ctx context.Context, path string) error {
	return c.CreateFileWithMode(ctx, path, connector.DefaultFileMode)
}

func (c *Connector) CreateFileWithMode(ctx context.Context, path string, mode uint32) error {
	if !c.caps.Write {
		return fserrors.New(fserrors.ReadOnly, "create_file", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[path]; exists {
		return fserrors.New(fserrors.AlreadyExists, "create_file", path)
	}
	n := &node{mtime: time.Now()}
	if c.caps.SetMode {
		n.mode, n.hasMode = mode, true
	}
	c.nodes[path] = n
	return nil
}

func (c *Connector) CreateDir(ctx context.Context, path string) error {
	return c.CreateDirWithMode(ctx, path, connector.DefaultDirMode)
}

func (c *Connector) CreateDirWithMode(ctx context.Context, path string, mode uint32) error {
	if !c.caps.Write {
		return fserrors.New(fserrors.ReadOnly, "create_dir", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[path]; exists {
		return fserrors.New(fserrors.AlreadyExists, "create_dir", path)
	}
	n := &node{isDir: true, mtime: time.Now()}
	if c.caps.SetMode {
		n.mode, n.hasMode = mode, true
	}
	c.nodes[path] = n
	return nil
}

func (c *Connector) RemoveFile(ctx context.Context, path string) error {
	if !c.caps.Write {
		return fserrors.New(fserrors.ReadOnly, "remove_file", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return fserrors.New(fserrors.NotFound, "remove_file", path)
	}
	if n.isDir {
		return fserrors.New(fserrors.IsADirectory, "remove_file", path)
	}
	delete(c.nodes, path)
	return nil
}

func (c *Connector) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if !c.caps.Write {
		return fserrors.New(fserrors.ReadOnly, "remove_dir", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return fserrors.New(fserrors.NotFound, "remove_dir", path)
	}
	if !n.isDir {
		return fserrors.New(fserrors.NotADirectory, "remove_dir", path)
	}

	prefix := strings.TrimSuffix(path, "/") + "/"
	var children []string
	for p := range c.nodes {
		if p != path && strings.HasPrefix(p, prefix) {
			children = append(children, p)
		}
	}
	if len(children) > 0 && !recursive {
		return fserrors.New(fserrors.NotEmpty, "remove_dir", path)
	}
	for _, p := range children {
		delete(c.nodes, p)
	}
	delete(c.nodes, path)
	return nil
}

func (c *Connector) ListDir(ctx context.Context, path string) (connector.DirCursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return nil, fserrors.New(fserrors.NotFound, "list_dir", path)
	}
	if !n.isDir {
		return nil, fserrors.New(fserrors.NotADirectory, "list_dir", path)
	}

	prefix := strings.TrimSuffix(path, "/") + "/"
	if prefix == "//" {
		prefix = "/"
	}
	seen := make(map[string]connector.FileType)
	for p, child := range c.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name = rest[:idx]
			seen[name] = connector.FileTypeDir
			continue
		}
		ft := connector.FileTypeFile
		if child.isDir {
			ft = connector.FileTypeDir
		}
		seen[name] = ft
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]connector.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, connector.DirEntry{Name: name, FileType: seen[name]})
	}
	return &sliceCursor{entries: entries}, nil
}

type sliceCursor struct {
	entries []connector.DirEntry
	pos     int
}

func (s *sliceCursor) Next(ctx context.Context) (connector.DirEntry, error) {
	if s.pos >= len(s.entries) {
		return connector.DirEntry{}, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

func (s *sliceCursor) Close() error { return nil }

func (c *Connector) Rename(ctx context.Context, from, to string) error {
	if !c.caps.Rename {
		return fserrors.New(fserrors.NotSupported, "rename", from)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renameLocked(from, to)
}

func (c *Connector) renameLocked(from, to string) error {
	n, ok := c.nodes[from]
	if !ok {
		return fserrors.New(fserrors.NotFound, "rename", from)
	}
	delete(c.nodes, from)
	c.nodes[to] = n
	return nil
}

func (c *Connector) Truncate(ctx context.Context, path string, size uint64) error {
	if !c.caps.Truncate {
		return fserrors.New(fserrors.NotSupported, "truncate", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok || n.isDir {
		return fserrors.New(fserrors.NotFound, "truncate", path)
	}
	if size <= uint64(len(n.data)) {
		n.data = n.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (c *Connector) Flush(ctx context.Context, path string) error {
	return nil
}

func (c *Connector) SetMode(ctx context.Context, path string, mode uint32) error {
	if !c.caps.SetMode {
		return fserrors.New(fserrors.NotSupported, "set_mode", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[path]
	if !ok {
		return fserrors.New(fserrors.NotFound, "set_mode", path)
	}
	n.mode, n.hasMode = mode, true
	return nil
}
