// Package inode maintains the bidirectional path<->inode mapping the FUSE
// bridge needs: the kernel addresses files by a numeric inode, connectors
// address them by path. Unlike a bare path<->inode map, this table also
// tracks FUSE lookup-count refcounting and inode generation numbers, so an
// inode number can be safely recycled once the kernel has forgotten every
// reference to it, and a kernel handle built on a recycled number's prior
// generation is rejected as stale rather than silently resolving to the
// wrong file.
package inode

import (
	"sync"

	"github.com/objectfs/fuseadapter/pkg/fserrors"
)

// Root is the inode number FUSE reserves for the mount's root directory.
const Root uint64 = 1

// Kind distinguishes files from directories for entries the connector
// hasn't necessarily stat'd yet (e.g. a path interned during a create
// call, before the backend has acknowledged it).
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Entry is one inode's bookkeeping: which path it currently names, which
// generation it was allocated under, and how many kernel-held references
// (Lookup replies not yet Forgotten) point at it.
type Entry struct {
	Ino         uint64
	Gen         uint64
	Path        string
	Kind        Kind
	lookupCount int64
	orphaned    bool // unlinked/renamed-over but still referenced by the kernel
}

// Table is the adapter's inode table. One Table is shared by every
// goroutine handling requests for a single mount.
type Table struct {
	mu      sync.RWMutex
	byIno   map[uint64]*Entry
	byPath  map[string]uint64
	nextIno uint64
	free    []freedIno
}

type freedIno struct {
	ino     uint64
	nextGen uint64
}

// New returns a Table with the root directory pre-registered at inode 1,
// generation 1.
func New() *Table {
	t := &Table{
		byIno:   make(map[uint64]*Entry),
		byPath:  make(map[string]uint64),
		nextIno: Root + 1,
	}
	root := &Entry{Ino: Root, Gen: 1, Path: "/", Kind: KindDir, lookupCount: 1}
	t.byIno[Root] = root
	t.byPath["/"] = Root
	return t
}

// Intern returns the (inode, generation) for path, allocating a fresh
// inode (recycling a forgotten one if available) on first sight and
// incrementing the path's lookup count on every call, mirroring a FUSE
// LOOKUP reply: the kernel must eventually balance each successful lookup
// with a FORGET of the same count.
func (t *Table) Intern(path string, kind Kind) (ino, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existingIno, ok := t.byPath[path]; ok {
		e := t.byIno[existingIno]
		e.lookupCount++
		e.orphaned = false
		e.Kind = kind
		return e.Ino, e.Gen
	}

	var newIno, newGen uint64
	if n := len(t.free); n > 0 {
		f := t.free[n-1]
		t.free = t.free[:n-1]
		newIno, newGen = f.ino, f.nextGen
	} else {
		newIno = t.nextIno
		t.nextIno++
		newGen = 1
	}

	e := &Entry{Ino: newIno, Gen: newGen, Path: path, Kind: kind, lookupCount: 1}
	t.byIno[newIno] = e
	t.byPath[path] = newIno
	return newIno, newGen
}

// Lookup resolves an inode number to its entry. It returns a Stale error
// if gen does not match the entry's current generation (the kernel is
// holding a handle to an inode number that has since been recycled for a
// different path), if the inode has been forgotten entirely, or if it has
// been orphaned by Unlink or a Rename over it.
func (t *Table) Lookup(ino, gen uint64) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byIno[ino]
	if !ok || e.Gen != gen || e.orphaned {
		return nil, fserrors.New(fserrors.Stale, "lookup", "")
	}
	snapshot := *e
	return &snapshot, nil
}

// Path resolves an inode number to its current path, ignoring generation.
// It reports false for an unknown, retired or orphaned inode.
func (t *Table) Path(ino uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.byIno[ino]
	if !ok || e.orphaned {
		return "", false
	}
	return e.Path, true
}

// Forget decrements an inode's lookup count by n, per the kernel's FORGET
// message. Once the count reaches zero and the entry has been unlinked or
// renamed over, the inode is retired and its number becomes eligible for
// recycling under a bumped generation.
func (t *Table) Forget(ino uint64, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byIno[ino]
	if !ok {
		return
	}
	if n >= uint64(e.lookupCount) {
		e.lookupCount = 0
	} else {
		e.lookupCount -= int64(n)
	}
	if e.lookupCount == 0 && e.orphaned {
		t.retire(e)
	}
}

// Unlink detaches path from its inode. If the inode's lookup count has
// already reached zero (no open handles, no pending kernel references) it
// is retired immediately; otherwise it is marked orphaned and retired the
// next time Forget drains its count. An orphaned inode keeps its number
// reserved until then, but its path is cleared and Lookup reports it stale.
func (t *Table) Unlink(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byPath[path]
	if !ok {
		return
	}
	delete(t.byPath, path)

	e := t.byIno[ino]
	if e.lookupCount == 0 {
		t.retire(e)
		return
	}
	e.orphaned = true
	e.Path = ""
}

// Rename moves oldPath's inode identity to newPath, preserving inode
// number and generation (an open file descriptor referencing the old path
// keeps resolving to the same inode under its new name). If newPath
// already names a different inode, that inode is unlinked first, matching
// POSIX rename's overwrite semantics.
func (t *Table) Rename(oldPath, newPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byPath[oldPath]
	if !ok {
		return fserrors.New(fserrors.NotFound, "rename", oldPath)
	}

	if displacedIno, exists := t.byPath[newPath]; exists && displacedIno != ino {
		displaced := t.byIno[displacedIno]
		delete(t.byPath, newPath)
		if displaced.lookupCount == 0 {
			t.retire(displaced)
		} else {
			displaced.orphaned = true
			displaced.Path = ""
		}
	}

	delete(t.byPath, oldPath)
	e := t.byIno[ino]
	e.Path = newPath
	t.byPath[newPath] = ino
	return nil
}

// Invalidate drops path's cached association without touching lookup
// counts, for callers that only need a future Intern to re-derive the
// entry's Kind (e.g. after a backend-side stat changed out from under the
// adapter). It is a no-op if path isn't tracked.
func (t *Table) Invalidate(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byPath[path]
	if !ok {
		return
	}
	e := t.byIno[ino]
	if e.lookupCount == 0 {
		delete(t.byPath, path)
		t.retire(e)
	}
}

// retire removes an entry from byIno and schedules its inode number for
// reuse under the next generation. Callers must hold t.mu.
func (t *Table) retire(e *Entry) {
	delete(t.byIno, e.Ino)
	t.free = append(t.free, freedIno{ino: e.Ino, nextGen: e.Gen + 1})
}

// Len returns the number of inodes currently tracked, including orphaned
// ones awaiting Forget.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIno)
}
