// Package statusoverlay wraps a connector.Connector with a virtual
// directory reporting mount health: a "status" file ("healthy\n" or
// "error\n"), an "error" file holding the most recent failure, and an
// "error_log" ring buffer of every failure seen. It sits directly around
// the raw connector, below the staging cache and capability layer, so
// every backend call either layer makes is what gets logged here.
package statusoverlay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/pkg/fserrors"
)

// MountStatus is the overlay's view of backend health.
type MountStatus int

const (
	Healthy MountStatus = iota
	Error
)

// Config controls the virtual directory's name and how much error history
// it retains.
type Config struct {
	// Prefix is the virtual directory's name under the mount root.
	Prefix string
	// MaxLogEntries bounds the error_log ring buffer.
	MaxLogEntries int
}

// DefaultConfig matches the adapter's out-of-the-box status directory.
func DefaultConfig() Config {
	return Config{Prefix: ".fuse-adapter", MaxLogEntries: 1000}
}

type logEntry struct {
	timestamp time.Time
	operation string
	path      string
	err       string
}

func (e logEntry) format() string {
	return fmt.Sprintf("[%s] %s %s: %s\n",
		e.timestamp.Format("2006-01-02 15:04:05.000 MST"), e.operation, e.path, e.err)
}

// Overlay wraps a connector.Connector. inner is nil when the backend
// never came up at all (NewFailed): every real operation then fails with
// Backend, but the virtual files still report why.
type Overlay struct {
	inner connector.Connector
	cfg   Config

	mu         sync.RWMutex
	status     MountStatus
	currentErr string
	log        []logEntry
}

// New wraps a connector that initialized successfully.
func New(inner connector.Connector, cfg Config) *Overlay {
	if cfg.Prefix == "" {
		cfg = DefaultConfig()
	}
	return &Overlay{inner: inner, cfg: cfg, status: Healthy}
}

// NewFailed builds an overlay with no working connector, for a mount that
// should still come up (and expose its status files for diagnosis) even
// though the backend itself failed to initialize.
func NewFailed(initErr error, cfg Config) *Overlay {
	if cfg.Prefix == "" {
		cfg = DefaultConfig()
	}
	o := &Overlay{cfg: cfg, status: Error, currentErr: initErr.Error()}
	o.log = append(o.log, logEntry{timestamp: time.Now(), operation: "init", path: "/", err: initErr.Error()})
	return o
}

func (o *Overlay) isVirtualPath(path string) bool {
	trimmed := strings.TrimPrefix(path, "/")
	first, _, _ := strings.Cut(trimmed, "/")
	return first == o.cfg.Prefix
}

func (o *Overlay) virtualFileName(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] != o.cfg.Prefix {
		return "", false
	}
	return parts[1], true
}

// logError records a failed delegated operation. Status stays Error once
// set; nothing clears it back to Healthy short of remounting.
func (o *Overlay) logError(op, path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.status = Error
	o.currentErr = err.Error()
	o.log = append(o.log, logEntry{timestamp: time.Now(), operation: op, path: path, err: err.Error()})
	if len(o.log) > o.cfg.MaxLogEntries {
		o.log = o.log[len(o.log)-o.cfg.MaxLogEntries:]
	}
}

func (o *Overlay) virtualContent(name string) (string, bool) {
	switch name {
	case "status":
		o.mu.RLock()
		defer o.mu.RUnlock()
		if o.status == Healthy {
			return "healthy\n", true
		}
		return "error\n", true
	case "error":
		o.mu.RLock()
		defer o.mu.RUnlock()
		return o.currentErr, true
	case "error_log":
		o.mu.RLock()
		defer o.mu.RUnlock()
		var b strings.Builder
		for _, e := range o.log {
			b.WriteString(e.format())
		}
		return b.String(), true
	default:
		return "", false
	}
}

func (o *Overlay) virtualMetadata(name string) (connector.Metadata, bool) {
	content, ok := o.virtualContent(name)
	if !ok {
		return connector.Metadata{}, false
	}
	mode := uint32(0o444)
	return connector.Metadata{
		FileType: connector.FileTypeFile,
		Size:     uint64(len(content)),
		Mtime:    time.Now(),
		Mode:     &mode,
	}, true
}

// withErrorLogging runs fn against the inner connector, logging and
// forwarding any failure. A nil inner connector (NewFailed) always fails
// Backend without ever calling fn.
func withErrorLogging[T any](o *Overlay, op, path string, fn func(connector.Connector) (T, error)) (T, error) {
	var zero T
	if o.inner == nil {
		err := fserrors.Wrap(op, path, fmt.Errorf("connector not available"), false)
		o.logError(op, path, err)
		return zero, err
	}
	result, err := fn(o.inner)
	if err != nil {
		o.logError(op, path, err)
		return zero, err
	}
	return result, nil
}

func (o *Overlay) Capabilities() connector.Capabilities {
	if o.inner == nil {
		return connector.ReadOnlyCapabilities()
	}
	return o.inner.Capabilities()
}

func (o *Overlay) CacheRequirements() connector.CacheRequirements {
	if o.inner == nil {
		return connector.CacheRequirements{}
	}
	return o.inner.CacheRequirements()
}

func (o *Overlay) Stat(ctx context.Context, path string) (connector.Metadata, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == o.cfg.Prefix {
		mode := uint32(0o555)
		return connector.Metadata{FileType: connector.FileTypeDir, Mtime: time.Now(), Mode: &mode}, nil
	}
	if o.isVirtualPath(path) {
		if name, ok := o.virtualFileName(path); ok {
			if meta, ok := o.virtualMetadata(name); ok {
				return meta, nil
			}
		}
		return connector.Metadata{}, fserrors.New(fserrors.NotFound, "stat", path)
	}
	return withErrorLogging(o, "stat", path, func(c connector.Connector) (connector.Metadata, error) {
		return c.Stat(ctx, path)
	})
}

func (o *Overlay) Read(ctx context.Context, path string, offset uint64, size uint32) ([]byte, error) {
	if o.isVirtualPath(path) {
		name, ok := o.virtualFileName(path)
		if !ok {
			return nil, fserrors.New(fserrors.NotFound, "read", path)
		}
		content, ok := o.virtualContent(name)
		if !ok {
			return nil, fserrors.New(fserrors.NotFound, "read", path)
		}
		data := []byte(content)
		start := int(offset)
		if start > len(data) {
			start = len(data)
		}
		end := start + int(size)
		if end > len(data) {
			end = len(data)
		}
		return data[start:end], nil
	}
	return withErrorLogging(o, "read", path, func(c connector.Connector) ([]byte, error) {
		return c.Read(ctx, path, offset, size)
	})
}

func (o *Overlay) Write(ctx context.Context, path string, offset uint64, data []byte) (uint64, error) {
	if o.isVirtualPath(path) {
		return 0, fserrors.New(fserrors.ReadOnly, "write", path)
	}
	return withErrorLogging(o, "write", path, func(c connector.Connector) (uint64, error) {
		return c.Write(ctx, path, offset, data)
	})
}

func (o *Overlay) CreateFile(ctx context.Context, path string) error {
	return o.CreateFileWithMode(ctx, path, connector.DefaultFileMode)
}

func (o *Overlay) CreateFileWithMode(ctx context.Context, path string, mode uint32) error {
	if o.isVirtualPath(path) {
		return fserrors.New(fserrors.ReadOnly, "create_file", path)
	}
	_, err := withErrorLogging(o, "create_file", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.CreateFileWithMode(ctx, path, mode)
	})
	return err
}

func (o *Overlay) CreateDir(ctx context.Context, path string) error {
	return o.CreateDirWithMode(ctx, path, connector.DefaultDirMode)
}

func (o *Overlay) CreateDirWithMode(ctx context.Context, path string, mode uint32) error {
	if o.isVirtualPath(path) {
		return fserrors.New(fserrors.ReadOnly, "create_dir", path)
	}
	_, err := withErrorLogging(o, "create_dir", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.CreateDirWithMode(ctx, path, mode)
	})
	return err
}

func (o *Overlay) RemoveFile(ctx context.Context, path string) error {
	if o.isVirtualPath(path) {
		return fserrors.New(fserrors.ReadOnly, "remove_file", path)
	}
	_, err := withErrorLogging(o, "remove_file", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.RemoveFile(ctx, path)
	})
	return err
}

func (o *Overlay) RemoveDir(ctx context.Context, path string, recursive bool) error {
	if o.isVirtualPath(path) {
		return fserrors.New(fserrors.ReadOnly, "remove_dir", path)
	}
	_, err := withErrorLogging(o, "remove_dir", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.RemoveDir(ctx, path, recursive)
	})
	return err
}

// ListDir returns the virtual directory's fixed three entries when asked
// to list it, injects the virtual directory into a root listing, and
// otherwise delegates straight through.
func (o *Overlay) ListDir(ctx context.Context, path string) (connector.DirCursor, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == o.cfg.Prefix || o.isVirtualPath(path) {
		return &sliceCursor{entries: []connector.DirEntry{
			{Name: "status", FileType: connector.FileTypeFile},
			{Name: "error", FileType: connector.FileTypeFile},
			{Name: "error_log", FileType: connector.FileTypeFile},
		}}, nil
	}

	if trimmed == "" || path == "/" {
		var inner []connector.DirEntry
		if o.inner != nil {
			cursor, err := o.inner.ListDir(ctx, path)
			if err != nil {
				o.logError("list_dir", path, err)
				return nil, err
			}
			defer cursor.Close()
			for {
				e, err := cursor.Next(ctx)
				if err == io.EOF {
					break
				}
				if err != nil {
					o.logError("list_dir", path, err)
					return nil, err
				}
				inner = append(inner, e)
			}
		}
		entries := append([]connector.DirEntry{{Name: o.cfg.Prefix, FileType: connector.FileTypeDir}}, inner...)
		return &sliceCursor{entries: entries}, nil
	}

	return withErrorLogging(o, "list_dir", path, func(c connector.Connector) (connector.DirCursor, error) {
		return c.ListDir(ctx, path)
	})
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

func (o *Overlay) Rename(ctx context.Context, from, to string) error {
	if o.isVirtualPath(from) || o.isVirtualPath(to) {
		return fserrors.New(fserrors.ReadOnly, "rename", from)
	}
	_, err := withErrorLogging(o, "rename", from, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.Rename(ctx, from, to)
	})
	return err
}

func (o *Overlay) Truncate(ctx context.Context, path string, size uint64) error {
	if o.isVirtualPath(path) {
		return fserrors.New(fserrors.ReadOnly, "truncate", path)
	}
	_, err := withErrorLogging(o, "truncate", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.Truncate(ctx, path, size)
	})
	return err
}

func (o *Overlay) Flush(ctx context.Context, path string) error {
	if o.isVirtualPath(path) {
		return nil
	}
	_, err := withErrorLogging(o, "flush", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.Flush(ctx, path)
	})
	return err
}

func (o *Overlay) SetMode(ctx context.Context, path string, mode uint32) error {
	if o.isVirtualPath(path) {
		return fserrors.New(fserrors.ReadOnly, "set_mode", path)
	}
	_, err := withErrorLogging(o, "set_mode", path, func(c connector.Connector) (struct{}, error) {
		return struct{}{}, c.SetMode(ctx, path, mode)
	})
	return err
}
