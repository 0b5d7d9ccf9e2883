// Package fuse implements the bridge between the kernel's FUSE protocol
// (via github.com/hanwen/go-fuse/v2) and a connector.Connector pipeline:
// it resolves inode numbers to paths using the inode table, forwards every
// operation to the capability layer wrapping the mount's connector, and
// translates fserrors.Error values into the errno the kernel expects.
package fuse

import (
	"context"
	"math"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/internal/inode"
	"github.com/objectfs/fuseadapter/internal/metrics"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
	"github.com/objectfs/fuseadapter/pkg/utils"
)

// Config controls the bridge's presentation of attributes and ownership;
// the underlying connector has no notion of uid/gid, so every entry is
// reported as owned by the same configured user.
type Config struct {
	UID          uint32
	GID          uint32
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// DefaultConfig returns the bridge's default attribute presentation.
func DefaultConfig() Config {
	return Config{
		UID:          0,
		GID:          0,
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}

// attrCache is the bridge-owned store of mode/mtime bits for paths whose
// connector can't persist them (every connector set_mode=false path, and
// every connector at all for set_mtime, per the capability layer's
// always-succeeds behavior). Without this, a chmod or a touch would appear
// to succeed and then silently revert on the next Getattr.
type attrCache struct {
	mu      sync.Mutex
	modes   map[string]uint32
	mtimes  map[string]time.Time
}

func newAttrCache() *attrCache {
	return &attrCache{modes: make(map[string]uint32), mtimes: make(map[string]time.Time)}
}

func (a *attrCache) setMode(path string, mode uint32) {
	a.mu.Lock()
	a.modes[path] = mode
	a.mu.Unlock()
}

func (a *attrCache) mode(path string, fallback uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.modes[path]; ok {
		return m
	}
	return fallback
}

func (a *attrCache) setMtime(path string, t time.Time) {
	a.mu.Lock()
	a.mtimes[path] = t
	a.mu.Unlock()
}

func (a *attrCache) mtime(path string, fallback time.Time) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.mtimes[path]; ok {
		return t
	}
	return fallback
}

func (a *attrCache) forget(path string) {
	a.mu.Lock()
	delete(a.modes, path)
	delete(a.mtimes, path)
	a.mu.Unlock()
}

func (a *attrCache) rename(from, to string) {
	a.mu.Lock()
	if m, ok := a.modes[from]; ok {
		a.modes[to] = m
		delete(a.modes, from)
	}
	if t, ok := a.mtimes[from]; ok {
		a.mtimes[to] = t
		delete(a.mtimes, from)
	}
	a.mu.Unlock()
}

// Bridge is the root of the FUSE inode tree. It owns the inode table and
// the attribute cache; every Node created under it shares the same
// connector, so there is exactly one Bridge per mount.
type Bridge struct {
	conn    connector.Connector
	inodes  *inode.Table
	attrs   *attrCache
	cfg     Config
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
}

// SetMetrics wires a Collector into the bridge so every dispatched
// operation reports its outcome and latency. A nil Collector (the
// default) leaves every Record call a no-op.
func (b *Bridge) SetMetrics(m *metrics.Collector) {
	b.metrics = m
}

// track times one kernel-dispatched operation and reports it to the
// metrics collector when the returned func is deferred at the call site:
// defer b.track("read", time.Now())(&errno)
func (b *Bridge) track(op string, start time.Time) func(errno *syscall.Errno) {
	return func(errno *syscall.Errno) {
		var err error
		if errno != nil && *errno != 0 {
			err = *errno
		}
		b.metrics.RecordOperation(op, time.Since(start), err)
	}
}

// New returns a Bridge ready to be passed to fs.Mount as the root.
func New(conn connector.Connector, cfg Config, logger *utils.StructuredLogger) *Bridge {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	return &Bridge{
		conn:   conn,
		inodes: inode.New(),
		attrs:  newAttrCache(),
		cfg:    cfg,
		logger: logger.WithComponent("fuse"),
	}
}

// errno translates any error this bridge's operations produce into the
// errno the kernel sees. Non-fserrors errors (a programmer mistake, not a
// modeled failure) are logged and reported as EIO.
func (b *Bridge) errno(op, path string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fe *fserrors.Error
	if asFsErr(err, &fe) {
		if fe.Code == fserrors.Backend {
			b.logger.Warn("backend error", map[string]interface{}{"op": op, "path": path, "error": err.Error()})
		}
		return fe.Errno()
	}
	b.logger.Error("unmodeled error", map[string]interface{}{"op": op, "path": path, "error": err.Error()})
	return syscall.EIO
}

func asFsErr(err error, target **fserrors.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if fe, ok := e.(*fserrors.Error); ok {
			*target = fe
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// joinPath joins a directory node's path with a child name, the FUSE
// bridge's only path-construction logic: every operation below is keyed
// by the resulting absolute, slash-separated path.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Node is both a file and directory inode; FileType distinguishes which
// kernel operations are valid. A single type keeps the tree-construction
// code in Lookup/Readdir/Mkdir/Create from duplicating itself across two
// node types.
type Node struct {
	fs.Inode
	b    *Bridge
	path string
}

func (b *Bridge) newNode(path string) *Node {
	return &Node{b: b, path: path}
}

func (b *Bridge) stableAttr(ctx context.Context, path string, ft connector.FileType) fs.StableAttr {
	kind := inode.KindFile
	mode := uint32(syscall.S_IFREG)
	if ft == connector.FileTypeDir {
		kind = inode.KindDir
		mode = syscall.S_IFDIR
	}
	ino, gen := b.inodes.Intern(path, kind)
	return fs.StableAttr{Mode: mode, Ino: ino, Gen: gen}
}

var _ fs.InodeEmbedder = (*Node)(nil)
var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeOnForgetter = (*Node)(nil)
)

// OnForget fires once go-fuse's own lookup-count bookkeeping for this node
// has dropped to zero, i.e. the kernel has fully forgotten it. That's the
// inode table's cue to drop its remaining references too, which is what
// lets the table recycle its ino once the last reference drops; without
// this hook the table's orphan bookkeeping would never clear.
func (n *Node) OnForget() {
	n.b.inodes.Forget(n.StableAttr().Ino, math.MaxUint64)
}

func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (ino *fs.Inode, errno syscall.Errno) {
	defer n.b.track("lookup", time.Now())(&errno)
	childPath := joinPath(n.path, name)

	meta, err := n.b.conn.Stat(ctx, childPath)
	if err != nil {
		return nil, n.b.errno("lookup", childPath, err)
	}

	n.b.fillEntry(childPath, meta, out)
	child := n.b.newNode(childPath)
	return n.NewInode(ctx, child, n.b.stableAttr(ctx, childPath, meta.FileType)), 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) (errno syscall.Errno) {
	defer n.b.track("getattr", time.Now())(&errno)
	meta, err := n.b.conn.Stat(ctx, n.path)
	if err != nil {
		return n.b.errno("getattr", n.path, err)
	}
	n.b.fillAttr(n.path, meta, &out.Attr)
	out.SetTimeout(n.b.cfg.AttrTimeout)
	return 0
}

// Setattr handles chmod (mode), chown (ignored: the connector has no
// notion of ownership), and utimens (mtime) via the capability layer's
// SetMode/SetMtime, mirroring each into the bridge's own attribute cache.
// Whether a mode change reaches the backend depends on the connector's
// set_mode capability (S3 keeps it in object metadata); no connector
// persists mtime.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	setter, ok := n.b.conn.(modeTimeSetter)

	if mode, ok2 := in.GetMode(); ok2 && ok {
		if err := setter.SetMode(ctx, n.path, mode&0o777); err != nil && !fserrors.Is(err, fserrors.NotSupported) {
			return n.b.errno("setattr", n.path, err)
		}
		n.b.attrs.setMode(n.path, mode&0o777)
	}

	if mtime, ok2 := in.GetMTime(); ok2 && ok {
		if err := setter.SetMtime(ctx, n.path, mtime); err != nil && !fserrors.Is(err, fserrors.NotSupported) {
			return n.b.errno("setattr", n.path, err)
		}
		n.b.attrs.setMtime(n.path, mtime)
	}

	if size, ok2 := in.GetSize(); ok2 {
		if err := n.b.conn.Truncate(ctx, n.path, size); err != nil {
			return n.b.errno("setattr", n.path, err)
		}
	}

	meta, err := n.b.conn.Stat(ctx, n.path)
	if err != nil {
		return n.b.errno("setattr", n.path, err)
	}
	n.b.fillAttr(n.path, meta, &out.Attr)
	return 0
}

// modeTimeSetter is satisfied by the capability layer but not by a bare
// connector.Connector, since SetMtime has no backend-agnostic
// implementation and lives only on capability.Layer.
type modeTimeSetter interface {
	SetMode(ctx context.Context, path string, mode uint32) error
	SetMtime(ctx context.Context, path string, mtime time.Time) error
}

func (n *Node) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer n.b.track("readdir", time.Now())(&errno)
	cursor, err := n.b.conn.ListDir(ctx, n.path)
	if err != nil {
		return nil, n.b.errno("readdir", n.path, err)
	}
	defer cursor.Close()

	var entries []gofuse.DirEntry
	for {
		e, err := cursor.Next(ctx)
		if err != nil {
			break
		}
		mode := uint32(syscall.S_IFREG)
		if e.FileType == connector.FileTypeDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (ino *fs.Inode, errno syscall.Errno) {
	defer n.b.track("mkdir", time.Now())(&errno)
	childPath := joinPath(n.path, name)
	if err := n.b.conn.CreateDirWithMode(ctx, childPath, mode); err != nil {
		return nil, n.b.errno("mkdir", childPath, err)
	}
	n.b.attrs.setMode(childPath, mode&0o777)

	meta, err := n.b.conn.Stat(ctx, childPath)
	if err != nil {
		return nil, n.b.errno("mkdir", childPath, err)
	}
	n.b.fillEntry(childPath, meta, out)
	child := n.b.newNode(childPath)
	return n.NewInode(ctx, child, n.b.stableAttr(ctx, childPath, connector.FileTypeDir)), 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (ino *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	defer n.b.track("create", time.Now())(&errno)
	childPath := joinPath(n.path, name)
	if err := n.b.conn.CreateFileWithMode(ctx, childPath, mode); err != nil {
		return nil, nil, 0, n.b.errno("create", childPath, err)
	}
	n.b.attrs.setMode(childPath, mode&0o777)

	meta, err := n.b.conn.Stat(ctx, childPath)
	if err != nil {
		return nil, nil, 0, n.b.errno("create", childPath, err)
	}
	n.b.fillEntry(childPath, meta, out)
	child := n.b.newNode(childPath)
	childInode := n.NewInode(ctx, child, n.b.stableAttr(ctx, childPath, connector.FileTypeFile))
	return childInode, &Handle{node: child}, 0, 0
}

func (n *Node) Unlink(ctx context.Context, name string) (errno syscall.Errno) {
	defer n.b.track("unlink", time.Now())(&errno)
	childPath := joinPath(n.path, name)
	if err := n.b.conn.RemoveFile(ctx, childPath); err != nil {
		return n.b.errno("unlink", childPath, err)
	}
	n.b.inodes.Unlink(childPath)
	n.b.attrs.forget(childPath)
	return 0
}

func (n *Node) Rmdir(ctx context.Context, name string) (errno syscall.Errno) {
	defer n.b.track("rmdir", time.Now())(&errno)
	childPath := joinPath(n.path, name)
	if err := n.b.conn.RemoveDir(ctx, childPath, false); err != nil {
		return n.b.errno("rmdir", childPath, err)
	}
	n.b.inodes.Unlink(childPath)
	n.b.attrs.forget(childPath)
	return 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) (errno syscall.Errno) {
	defer n.b.track("rename", time.Now())(&errno)
	from := joinPath(n.path, name)

	newDir, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	to := joinPath(newDir.path, newName)

	renamer, ok := n.b.conn.(interface {
		Rename(ctx context.Context, from, to string) error
	})
	if !ok {
		return syscall.ENOSYS
	}
	if err := renamer.Rename(ctx, from, to); err != nil {
		return n.b.errno("rename", from, err)
	}
	if err := n.b.inodes.Rename(from, to); err != nil {
		n.b.logger.Warn("inode table rename desync", map[string]interface{}{"from": from, "to": to, "error": err.Error()})
	}
	n.b.attrs.rename(from, to)
	return 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &Handle{node: n}, 0, 0
}

// Handle is the FUSE file handle returned by Open/Create. It carries no
// per-open state of its own: every read/write is a stateless call through
// to the node's path, since the staging cache (not the handle) is what
// makes repeated access cheap.
type Handle struct {
	node *Node
}

var (
	_ fs.FileReader   = (*Handle)(nil)
	_ fs.FileWriter   = (*Handle)(nil)
	_ fs.FileFlusher  = (*Handle)(nil)
	_ fs.FileFsyncer  = (*Handle)(nil)
	_ fs.FileReleaser = (*Handle)(nil)
)

func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (res gofuse.ReadResult, errno syscall.Errno) {
	defer h.node.b.track("read", time.Now())(&errno)
	data, err := h.node.b.conn.Read(ctx, h.node.path, uint64(off), uint32(len(dest)))
	if err != nil {
		return nil, h.node.b.errno("read", h.node.path, err)
	}
	return gofuse.ReadResultData(data), 0
}

func (h *Handle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	defer h.node.b.track("write", time.Now())(&errno)
	n, err := h.node.b.conn.Write(ctx, h.node.path, uint64(off), data)
	if err != nil {
		return 0, h.node.b.errno("write", h.node.path, err)
	}
	return uint32(n), 0
}

func (h *Handle) Flush(ctx context.Context) (errno syscall.Errno) {
	defer h.node.b.track("flush", time.Now())(&errno)
	if err := h.node.b.conn.Flush(ctx, h.node.path); err != nil {
		return h.node.b.errno("flush", h.node.path, err)
	}
	return 0
}

func (h *Handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

func (h *Handle) Release(ctx context.Context) syscall.Errno {
	return h.Flush(ctx)
}

// fillEntry populates a Lookup/Create/Mkdir reply's attributes and the
// entry's cache timeouts.
func (b *Bridge) fillEntry(path string, meta connector.Metadata, out *gofuse.EntryOut) {
	b.fillAttr(path, meta, &out.Attr)
	out.SetEntryTimeout(b.cfg.EntryTimeout)
	out.SetAttrTimeout(b.cfg.AttrTimeout)
}

func (b *Bridge) fillAttr(path string, meta connector.Metadata, attr *gofuse.Attr) {
	mode := b.attrs.mode(path, meta.ModeOrDefault())
	if meta.IsDir() {
		attr.Mode = syscall.S_IFDIR | mode
	} else {
		attr.Mode = syscall.S_IFREG | mode
		attr.Size = meta.Size
	}
	attr.Uid = b.cfg.UID
	attr.Gid = b.cfg.GID

	mtime := b.attrs.mtime(path, meta.Mtime)
	sec := uint64(mtime.Unix())
	attr.Mtime = sec
	attr.Atime = sec
	attr.Ctime = sec
}

// Root implements fs.InodeEmbedder's root provider, used by fs.Mount.
func (b *Bridge) Root() fs.InodeEmbedder {
	root := b.newNode("/")
	return root
}
