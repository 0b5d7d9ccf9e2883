// Package capability sits between the FUSE bridge and a connector (or a
// connector wrapped in the staging cache), enforcing mount-level
// read-only and synthesizing operations the underlying connector lacks:
// rename via copy+delete, arbitrary-offset writes via a full read-modify-
// write, and truncate via read-modify-write. Operations that can be
// neither performed natively nor synthesized are reported as ENOSYS.
package capability

import (
	"context"
	"time"

	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
)

// Layer wraps a connector.Connector, presenting the same interface with
// missing operations synthesized where possible.
type Layer struct {
	inner    connector.Connector
	readOnly bool
}

// New wraps inner. readOnly forces every mutating operation to EROFS
// regardless of what inner itself supports, for mounts configured
// read-only at the adapter level rather than at the backend.
func New(inner connector.Connector, readOnly bool) *Layer {
	return &Layer{inner: inner, readOnly: readOnly}
}

// Capabilities reports the effective capability set after applying the
// mount's read-only override.
func (l *Layer) Capabilities() connector.Capabilities {
	caps := l.inner.Capabilities()
	if l.readOnly {
		caps.Write = false
		caps.RandomWrite = false
		caps.Rename = false
		caps.Truncate = false
		caps.SetMtime = false
		caps.SetMode = false
	}
	return caps
}

func (l *Layer) CacheRequirements() connector.CacheRequirements {
	return l.inner.CacheRequirements()
}

func (l *Layer) writable() bool {
	return !l.readOnly && l.inner.Capabilities().Write
}

func (l *Layer) Stat(ctx context.Context, path string) (connector.Metadata, error) {
	return l.inner.Stat(ctx, path)
}

func (l *Layer) Read(ctx context.Context, path string, offset uint64, size uint32) ([]byte, error) {
	return l.inner.Read(ctx, path, offset, size)
}

// Write synthesizes arbitrary-offset writes on a connector that can only
// write whole objects from offset 0: it reads the current contents,
// overlays data at offset, and writes the merged buffer back as a single
// call. This is not atomic with respect to concurrent writers; the
// staging cache is expected to serialize writes to the same path before
// they ever reach this layer.
func (l *Layer) Write(ctx context.Context, path string, offset uint64, data []byte) (uint64, error) {
	if !l.writable() {
		return 0, fserrors.New(fserrors.ReadOnly, "write", path)
	}

	caps := l.inner.Capabilities()
	if caps.RandomWrite || offset == 0 {
		return l.inner.Write(ctx, path, offset, data)
	}

	merged, err := l.readModifyBuffer(ctx, path, offset, data)
	if err != nil {
		return 0, err
	}
	if _, err := l.inner.Write(ctx, path, 0, merged); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// readModifyBuffer returns the full contents of path with data overlaid
// at offset, growing the buffer (zero-filled) if offset+len(data) exceeds
// the current size.
func (l *Layer) readModifyBuffer(ctx context.Context, path string, offset uint64, data []byte) ([]byte, error) {
	current, err := l.readWholeFile(ctx, path)
	if err != nil && !fserrors.Is(err, fserrors.NotFound) {
		return nil, err
	}

	end := offset + uint64(len(data))
	if end > uint64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}
	copy(current[offset:end], data)
	return current, nil
}

func (l *Layer) readWholeFile(ctx context.Context, path string) ([]byte, error) {
	meta, err := l.inner.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if meta.Size == 0 {
		return nil, nil
	}
	return l.inner.Read(ctx, path, 0, uint32(meta.Size))
}

func (l *Layer) CreateFile(ctx context.Context, path string) error {
	return l.CreateFileWithMode(ctx, path, connector.DefaultFileMode)
}

func (l *Layer) CreateFileWithMode(ctx context.Context, path string, mode uint32) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "create_file", path)
	}
	return l.inner.CreateFileWithMode(ctx, path, mode)
}

func (l *Layer) CreateDir(ctx context.Context, path string) error {
	return l.CreateDirWithMode(ctx, path, connector.DefaultDirMode)
}

func (l *Layer) CreateDirWithMode(ctx context.Context, path string, mode uint32) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "create_dir", path)
	}
	return l.inner.CreateDirWithMode(ctx, path, mode)
}

func (l *Layer) RemoveFile(ctx context.Context, path string) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "remove_file", path)
	}
	return l.inner.RemoveFile(ctx, path)
}

func (l *Layer) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "remove_dir", path)
	}
	return l.inner.RemoveDir(ctx, path, recursive)
}

func (l *Layer) ListDir(ctx context.Context, path string) (connector.DirCursor, error) {
	return l.inner.ListDir(ctx, path)
}

// Rename synthesizes a move on a connector without native rename support
// by reading the source in full, writing it to the destination, then
// removing the source. It is not atomic: a crash between the write and
// the unlink leaves both paths populated.
func (l *Layer) Rename(ctx context.Context, from, to string) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "rename", from)
	}

	caps := l.inner.Capabilities()
	if caps.Rename {
		return l.inner.Rename(ctx, from, to)
	}
	if !caps.Read {
		return fserrors.New(fserrors.NotSupported, "rename", from)
	}

	data, err := l.readWholeFile(ctx, from)
	if err != nil {
		return err
	}
	if err := l.inner.CreateFile(ctx, to); err != nil && !fserrors.Is(err, fserrors.AlreadyExists) {
		return err
	}
	if _, err := l.inner.Write(ctx, to, 0, data); err != nil {
		return err
	}
	if err := l.inner.Flush(ctx, to); err != nil {
		return err
	}
	return l.inner.RemoveFile(ctx, from)
}

// Truncate synthesizes resizing on a connector without native truncate
// support by reading the current contents, clipping or zero-extending to
// size, and rewriting the whole object.
func (l *Layer) Truncate(ctx context.Context, path string, size uint64) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "truncate", path)
	}

	caps := l.inner.Capabilities()
	if caps.Truncate {
		return l.inner.Truncate(ctx, path, size)
	}
	if !caps.Read {
		return fserrors.New(fserrors.NotSupported, "truncate", path)
	}

	current, err := l.readWholeFile(ctx, path)
	if err != nil {
		return err
	}

	var resized []byte
	if size <= uint64(len(current)) {
		resized = current[:size]
	} else {
		resized = make([]byte, size)
		copy(resized, current)
	}

	if size < uint64(len(current)) && caps.RandomWrite {
		// An in-place write at offset 0 leaves the old tail behind, so
		// start from an empty object before rewriting it.
		if err := l.inner.RemoveFile(ctx, path); err != nil {
			return err
		}
		if err := l.inner.CreateFile(ctx, path); err != nil {
			return err
		}
	}

	_, err = l.inner.Write(ctx, path, 0, resized)
	return err
}

func (l *Layer) Flush(ctx context.Context, path string) error {
	return l.inner.Flush(ctx, path)
}

// SetMtime does not consult the connector's declared set_mtime capability:
// it only checks that the mount is writable. There is
// no corresponding Connector method because none of this adapter's
// connectors can persist an arbitrary mtime; the call always succeeds so
// the bridge can update its own attribute cache, matching the spec's
// "silently ignored if set_mtime=false" rule for every connector that
// exists today.
func (l *Layer) SetMtime(ctx context.Context, path string, mtime time.Time) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "set_mtime", path)
	}
	return nil
}

// SetMode forwards to the connector when it can persist POSIX mode bits;
// otherwise it succeeds without persisting, so the calling process's
// chmod appears to take effect for the lifetime of the mount even though
// it isn't durable.
func (l *Layer) SetMode(ctx context.Context, path string, mode uint32) error {
	if !l.writable() {
		return fserrors.New(fserrors.ReadOnly, "set_mode", path)
	}
	if !l.inner.Capabilities().SetMode {
		return nil
	}
	return l.inner.SetMode(ctx, path, mode)
}
