// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bfs

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

// FDCache is a bounded LRU of FileRecords that currently own an open
// descriptor, per spec.md §4.1. front is the most-protected end (evicted
// last); back is the eviction candidate. insertionTarget is the cursor
// described in spec.md §3: new entries land just after it, and whenever a
// root (Depth == 0) is added the cursor advances to that root, so that
// later, non-root entries are pushed toward back and roots cluster near
// front.
type FDCache struct {
	mu syncutil.InvariantMutex

	capacity int
	size     int

	front, back     *FileRecord
	insertionTarget *FileRecord
}

// NewFDCache creates a cache that admits at most capacity FileRecords with
// an open fd at once. capacity must be at least 1.
func NewFDCache(capacity int) *FDCache {
	c := &FDCache{capacity: capacity}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// checkInvariants is wired into c.mu and runs after every Unlock. It checks
// I2 (LRU membership iff pincount == 0) for the LRU list itself; it cannot
// check the universal direction of I2 ("pincount == 0 everywhere off the
// list"), since pinned-but-not-yet-evicted records are simply not reachable
// from here — that half is an Engine-level invariant.
func (c *FDCache) checkInvariants() {
	if c.size < 0 || c.size > c.capacity {
		panic(fmt.Sprintf("FDCache size %d out of range [0, %d]", c.size, c.capacity))
	}

	n := 0
	var prev *FileRecord
	for r := c.front; r != nil; r = r.lruNext {
		if r.pincount != 0 {
			panic("pinned record found on FD cache LRU list")
		}
		if r.lruPrev != prev {
			panic("broken LRU list backlink")
		}
		prev = r
		n++
	}
	if prev != c.back {
		panic("LRU list back pointer inconsistent with forward walk")
	}
	if n != c.size {
		panic(fmt.Sprintf("LRU list length %d does not match size %d", n, c.size))
	}
}

func (c *FDCache) listInsertAfter(target, r *FileRecord) {
	if target == nil {
		r.lruNext = c.front
		r.lruPrev = nil
		if c.front != nil {
			c.front.lruPrev = r
		}
		c.front = r
		if c.back == nil {
			c.back = r
		}
		return
	}

	r.lruPrev = target
	r.lruNext = target.lruNext
	if target.lruNext != nil {
		target.lruNext.lruPrev = r
	} else {
		c.back = r
	}
	target.lruNext = r
}

func (c *FDCache) listRemove(r *FileRecord) {
	if r.lruPrev != nil {
		r.lruPrev.lruNext = r.lruNext
	} else {
		c.front = r.lruNext
	}
	if r.lruNext != nil {
		r.lruNext.lruPrev = r.lruPrev
	} else {
		c.back = r.lruPrev
	}
	r.lruPrev = nil
	r.lruNext = nil
}

// insertLocked inserts r at the cursor and updates the cursor per the
// "roots migrate toward front" discipline. Callers must hold c.mu.
func (c *FDCache) insertLocked(r *FileRecord) {
	c.listInsertAfter(c.insertionTarget, r)
	if r.Depth == 0 {
		c.insertionTarget = r
	}
	r.inLRU = true
	c.size++
}

// removeLocked drops r from the list. It is a no-op if r is not currently
// on the list (I2's "iff" makes remove idempotent from the caller's point
// of view: calling it on an already-pinned or already-evicted record is
// harmless). Callers must hold c.mu.
func (c *FDCache) removeLocked(r *FileRecord) {
	if !r.inLRU {
		return
	}
	if c.insertionTarget == r {
		c.insertionTarget = r.lruPrev
	}
	c.listRemove(r)
	r.inLRU = false
	c.size--
}

// add inserts r, which must already have an open fd and pincount == 0, into
// the cache.
func (c *FDCache) add(r *FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(r)
}

// remove drops r from the cache's bookkeeping. Called whenever r's fd is
// about to be closed, whether by explicit GC or by reserve's eviction. Safe
// to call even if r is currently pinned (and therefore already off-list).
func (c *FDCache) remove(r *FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(r)
}

// pin removes r from the LRU list for the duration of a critical operation
// that uses r.fd as an at-fd (e.g. opening or stat'ing a child). Pins
// nest: only the first pin removes the record from the list.
func (c *FDCache) pin(r *FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.pincount == 0 {
		c.removeLocked(r)
	}
	r.pincount++
}

// unpin reverses a pin. Once the pin count returns to zero, r is
// reinserted using the same cursor discipline as add.
func (c *FDCache) unpin(r *FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.pincount == 0 {
		panic("unpin called on a record with pincount already zero")
	}
	r.pincount--
	if r.pincount == 0 && r.hasFD() {
		c.insertLocked(r)
	}
}

// popLRU removes and returns the least-protected record (the cache's
// eviction candidate), or nil if the cache is empty.
func (c *FDCache) popLRU() *FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.back
	if r == nil {
		return nil
	}
	c.removeLocked(r)
	return r
}

// full reports whether the cache has no free slots.
func (c *FDCache) full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size >= c.capacity
}

// reserveFD ensures at least one free slot is available in e.fdCache,
// evicting the LRU tail (closing its fd, and its directory stream if any)
// if necessary. It drains the ioq first when eviction alone can't make
// progress (everything cached is pinned), per spec.md §4.1.
//
// Fails with EMFILE when the cache is full and every entry is pinned with
// no ioq to drain.
func (e *Engine) reserveFD() error {
	for e.fdCache.full() {
		victim := e.fdCache.popLRU()
		if victim == nil {
			// Full, but nothing evictable: everything currently cached is
			// pinned. Try to make progress by draining the ioq; if that
			// didn't help either, we're out of descriptors.
			if e.ioq != nil && e.drainIOQOnce() {
				continue
			}
			return unix.EMFILE
		}
		e.closeRecordFD(victim)
	}
	return nil
}
