package fuse

import (
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/fuseadapter/pkg/utils"
)

// MountOptions are the kernel-facing FUSE mount options, independent of
// the bridge's attribute presentation (Config).
type MountOptions struct {
	MountPoint string
	ReadOnly   bool
	AllowOther bool
	FSName     string
	Debug      bool
}

// Manager owns one mounted filesystem's lifecycle: mount, wait, unmount.
// One Manager per configured mount; the supervisor holds one Manager per
// entry in the config's mounts list.
type Manager struct {
	bridge  *Bridge
	opts    MountOptions
	server  *gofuse.Server
	logger  *utils.StructuredLogger
	mounted bool
}

// NewManager returns a Manager ready to Mount.
func NewManager(bridge *Bridge, opts MountOptions, logger *utils.StructuredLogger) *Manager {
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}
	if opts.FSName == "" {
		opts.FSName = "fuseadapter"
	}
	return &Manager{bridge: bridge, opts: opts, logger: logger.WithComponent("mount")}
}

// Mount validates the mount point and asks the kernel to attach the
// filesystem. It returns once the mount is established; the FUSE server
// then serves requests in the background, and Wait blocks until it stops.
func (m *Manager) Mount() error {
	if m.mounted {
		return fmt.Errorf("mount %s: already mounted", m.opts.MountPoint)
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("mount %s: %w", m.opts.MountPoint, err)
	}

	fsOpts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:      m.opts.FSName,
			Name:        m.opts.FSName,
			AllowOther:  m.opts.AllowOther,
			Debug:       m.opts.Debug,
			DirectMount: true,
		},
	}
	if m.opts.ReadOnly {
		fsOpts.MountOptions.Options = append(fsOpts.MountOptions.Options, "ro")
	}

	server, err := fs.Mount(m.opts.MountPoint, m.bridge.Root(), fsOpts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", m.opts.MountPoint, err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("mounted", map[string]interface{}{"path": m.opts.MountPoint, "read_only": m.opts.ReadOnly})
	return nil
}

// Wait blocks until the kernel unmounts the filesystem (normally because
// Unmount was called, or the process received SIGINT/SIGTERM and the
// supervisor is draining).
func (m *Manager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// Unmount asks the kernel to detach the filesystem. Callers should have
// already drained any dirty cache entries (the supervisor's job, not
// this Manager's) since a FUSE unmount does not itself flush anything.
func (m *Manager) Unmount() error {
	if !m.mounted || m.server == nil {
		return nil
	}
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", m.opts.MountPoint, err)
	}
	m.mounted = false
	m.logger.Info("unmounted", map[string]interface{}{"path": m.opts.MountPoint})
	return nil
}

func (m *Manager) validateMountPoint() error {
	if m.opts.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.opts.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.opts.MountPoint)
	}
	return nil
}
