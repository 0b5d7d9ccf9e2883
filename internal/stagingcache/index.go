package stagingcache

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// indexRecord is one path's on-disk bookkeeping, as persisted by
// persistIndex. It mirrors entry's durable fields; lookupCount-style
// in-memory-only bookkeeping (mutexes, flushErr) has no place here.
type indexRecord struct {
	Path        string       `json:"path"`
	StagingFile string       `json:"staging_file"`
	LogicalSize uint64       `json:"logical_size"`
	Dirty       []indexRange `json:"dirty,omitempty"`
}

// indexRange mirrors byteRange with exported fields, since byteRange's
// fields stay unexported everywhere else in this package.
type indexRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// persistIndex snapshots every staged entry's bookkeeping to
// <dir>/index.json, using the standard write-temp-fsync-rename sequence
// so a crash mid-write never leaves a half-written index behind. A
// restart never reads this file back (see discardStaleCache); it exists
// so an operator inspecting a live cache directory can see what's staged
// without attaching a debugger.
func (c *Cache) persistIndex() error {
	c.mu.RLock()
	records := make([]indexRecord, 0, len(c.entries))
	for _, e := range c.entries {
		e.mu.Lock()
		if e.state != stateAbsent {
			dirty := make([]indexRange, len(e.dirty))
			for i, r := range e.dirty {
				dirty[i] = indexRange{Start: r.start, End: r.end}
			}
			records = append(records, indexRecord{
				Path:        e.path,
				StagingFile: filepath.Base(e.stagingPath),
				LogicalSize: e.logicalSize,
				Dirty:       dirty,
			})
		}
		e.mu.Unlock()
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.cfg.Dir, "index-*.json.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), filepath.Join(c.cfg.Dir, "index.json"))
}
