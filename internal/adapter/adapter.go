// Package adapter owns the supervisor that turns a loaded config into a
// set of running mounts: for each configured mount it builds the
// connector, wraps it in a staging cache and the capability layer, hands
// the result to the FUSE bridge, and mounts it. Signal-driven shutdown
// drains every mount independently, so one mount's failure never tears
// down the others.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/objectfs/fuseadapter/internal/capability"
	"github.com/objectfs/fuseadapter/internal/config"
	"github.com/objectfs/fuseadapter/internal/connector"
	"github.com/objectfs/fuseadapter/internal/connector/s3"
	"github.com/objectfs/fuseadapter/internal/fuse"
	"github.com/objectfs/fuseadapter/internal/metrics"
	"github.com/objectfs/fuseadapter/internal/stagingcache"
	"github.com/objectfs/fuseadapter/internal/statusoverlay"
	"github.com/objectfs/fuseadapter/pkg/utils"
)

// ActiveMount is one running mount's handle: everything the supervisor
// needs to drain and unmount it independently of its siblings.
type ActiveMount struct {
	Path   string
	cache  *stagingcache.Cache // nil if this mount needed no cache
	mgr    *fuse.Manager
	logger *utils.StructuredLogger
}

// shutdown drains the mount's dirty cache entries (if any) and unmounts,
// logging but not propagating a failure in one phase past the other: a
// failed unmount shouldn't skip the flush, and vice versa.
func (m *ActiveMount) shutdown(ctx context.Context) {
	if m.cache != nil {
		if err := m.cache.Close(ctx); err != nil {
			m.logger.Error("cache drain failed during shutdown", map[string]interface{}{"path": m.Path, "error": err.Error()})
		}
	}
	if err := m.mgr.Unmount(); err != nil {
		m.logger.Error("unmount failed", map[string]interface{}{"path": m.Path, "error": err.Error()})
	}
}

// Supervisor owns every mount configured in one config file, plus the
// metrics collector they all report to.
type Supervisor struct {
	cfg     *config.Config
	metrics *metrics.Collector
	logger  *utils.StructuredLogger

	mu     sync.Mutex
	active []*ActiveMount
}

// New validates cfg and builds a Supervisor, but starts no mounts yet;
// call Start to bring every configured mount up.
func New(cfg *config.Config, logger *utils.StructuredLogger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(nil)
	}

	mc, err := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	return &Supervisor{cfg: cfg, metrics: mc, logger: logger.WithComponent("supervisor")}, nil
}

// Start brings up every configured mount. A mount that fails its
// refusal-to-start check or any later setup step is logged and skipped;
// siblings still start. Start returns an error only if every mount
// failed to start.
func (s *Supervisor) Start(ctx context.Context) error {
	var started int
	for _, m := range s.cfg.Mounts {
		am, err := s.startMount(ctx, m)
		if err != nil {
			s.logger.Error("mount failed to start", map[string]interface{}{"path": m.Path, "error": err.Error()})
			continue
		}
		s.mu.Lock()
		s.active = append(s.active, am)
		s.mu.Unlock()
		started++
	}

	s.metrics.SetActiveMounts(started)
	if started == 0 {
		return fmt.Errorf("no mounts started successfully")
	}
	return nil
}

func (s *Supervisor) startMount(ctx context.Context, m config.MountConfig) (*ActiveMount, error) {
	var conn connector.Connector
	overlayCfg := config.EffectiveStatusOverlay(m)

	switch m.Connector.Type {
	case "s3":
		resolved, err := s.cfg.ResolveS3(m)
		if err != nil {
			return nil, err
		}
		sc, err := s3.New(ctx, resolved)
		if err != nil {
			// The backend itself failed to come up (bad credentials,
			// unreachable endpoint); still mount so the overlay's
			// virtual status files can report why, rather than
			// refusing to attach at all.
			s.logger.Error("connector failed to initialize, mounting in degraded mode", map[string]interface{}{
				"path": m.Path, "error": err.Error(),
			})
			conn = statusoverlay.NewFailed(err, statusoverlay.Config{
				Prefix: overlayCfg.Prefix, MaxLogEntries: overlayCfg.MaxLogEntries,
			})
			break
		}
		conn = statusoverlay.New(sc, statusoverlay.Config{
			Prefix: overlayCfg.Prefix, MaxLogEntries: overlayCfg.MaxLogEntries,
		})
	default:
		return nil, fmt.Errorf("unknown connector type %q", m.Connector.Type)
	}

	// Refusal-to-start: a connector that requires the write-buffer cache
	// cannot be mounted with caching disabled; without it, every
	// non-offset-0 write would become a whole-object read-modify-write in
	// the capability layer.
	reqs := conn.CacheRequirements()
	cacheCfg := config.EffectiveCache(m)
	if reqs.WriteBuffer == connector.CacheRequired && cacheCfg.Disabled() {
		return nil, fmt.Errorf("connector requires a write-buffer cache but mount configures none")
	}

	var cache *stagingcache.Cache
	pipeline := conn
	if !cacheCfg.Disabled() {
		maxBytes, err := cacheCfg.MaxSizeBytes()
		if err != nil {
			return nil, fmt.Errorf("cache.max_size: %w", err)
		}
		cache, err = stagingcache.New(conn, stagingcache.Config{
			Dir:               cacheCfg.Dir,
			MaxBytes:          maxBytes,
			FlushInterval:     cacheCfg.FlushInterval,
			MetadataTTL:       cacheCfg.MetadataTTL,
			RetryMaxAttempts:  cacheCfg.RetryMaxAttempts,
			RetryInitialDelay: cacheCfg.RetryInitialDelay,
			RetryMaxDelay:     cacheCfg.RetryMaxDelay,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("staging cache: %w", err)
		}
		cache.SetMetrics(s.metrics, m.Path)
		pipeline = cache
	}

	layer := capability.New(pipeline, m.ReadOnly)
	bridge := fuse.New(layer, fuse.DefaultConfig(), s.logger)
	bridge.SetMetrics(s.metrics)
	mgr := fuse.NewManager(bridge, fuse.MountOptions{
		MountPoint: m.Path,
		ReadOnly:   m.ReadOnly,
	}, s.logger)

	if err := mgr.Mount(); err != nil {
		if cache != nil {
			_ = cache.Close(ctx)
		}
		return nil, err
	}

	return &ActiveMount{Path: m.Path, cache: cache, mgr: mgr, logger: s.logger}, nil
}

// Wait blocks until every active mount's FUSE server has returned
// (normally because Shutdown unmounted it, or the kernel side was
// unmounted externally).
func (s *Supervisor) Wait() {
	s.mu.Lock()
	mounts := append([]*ActiveMount(nil), s.active...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, am := range mounts {
		wg.Add(1)
		go func(am *ActiveMount) {
			defer wg.Done()
			am.mgr.Wait()
		}(am)
	}
	wg.Wait()
}

// Shutdown drains and unmounts every active mount, independently: one
// mount's shutdown failure does not stop the others from draining.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	mounts := append([]*ActiveMount(nil), s.active...)
	s.active = nil
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, am := range mounts {
		wg.Add(1)
		go func(am *ActiveMount) {
			defer wg.Done()
			am.shutdown(ctx)
		}(am)
	}
	wg.Wait()

	s.metrics.SetActiveMounts(0)
	_ = s.metrics.Stop(ctx)
}

// StartMetrics starts the metrics HTTP endpoint, if configured.
func (s *Supervisor) StartMetrics() error {
	return s.metrics.Start()
}
