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
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/bfs/internal/dirbuf"
)

// EntryType classifies a FileRecord the way the kernel dirent d_type field
// does, with two additions of our own: Whiteout and Error.
type EntryType int

const (
	TypeUnknown EntryType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeBlockDev
	TypeCharDev
	TypeFifo
	TypeSocket
	TypeWhiteout
	TypeError
)

func (t EntryType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeBlockDev:
		return "block device"
	case TypeCharDev:
		return "char device"
	case TypeFifo:
		return "fifo"
	case TypeSocket:
		return "socket"
	case TypeWhiteout:
		return "whiteout"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// typeFromDirentType converts a raw getdents64 d_type byte (see
// internal/dirbuf) into an EntryType. DT_UNKNOWN and any value we don't
// recognize map to TypeUnknown, which forces a stat.
func typeFromDirentType(dt uint8) EntryType {
	switch dt {
	case unix.DT_REG:
		return TypeRegular
	case unix.DT_DIR:
		return TypeDirectory
	case unix.DT_LNK:
		return TypeSymlink
	case unix.DT_BLK:
		return TypeBlockDev
	case unix.DT_CHR:
		return TypeCharDev
	case unix.DT_FIFO:
		return TypeFifo
	case unix.DT_SOCK:
		return TypeSocket
	case dtWhiteout:
		return TypeWhiteout
	default:
		return TypeUnknown
	}
}

// dtWhiteout is DT_WHT (14), which golang.org/x/sys/unix does not export on
// every platform; union filesystems (overlayfs, aufs) use it to mark a
// negative dirent.
const dtWhiteout = 14

// statState is the fetch state of one of a FileRecord's two stat slots, per
// spec.md §3 ("unfetched", "fetched OK with buffer", "fetched with errno E").
type statState int

const (
	statUnfetched statState = iota
	statFetchedOK
	statFetchedErrno
)

type statSlot struct {
	state statState
	buf   unix.Stat_t
	errno unix.Errno
}

// FileRecord represents one encountered filesystem entry. See spec.md §3 for
// the invariants (I1-I5) this type must maintain; they are checked at
// runtime by Engine's invariant-mutexed accessors in fdcache.go and
// queue.go, not here, since a bare FileRecord has no lock of its own — it is
// always manipulated while holding the FD cache's or queue's mutex.
type FileRecord struct {
	// Identity.
	Name   string
	Parent *FileRecord
	Root   *FileRecord
	Depth  int

	// Geometry: byte offset and length of Name within the path being
	// incrementally reconstructed by the engine's path builder (path.go).
	NameOffset int
	NameLength int

	// Descriptors. fd < 0 is the "none" sentinel. dir is non-nil only while
	// an opendir'd stream is held open for reading; dir.Fd() == fd whenever
	// dir != nil (I1).
	fd  int
	dir *dirbuf.Dir

	// Accounting. refcount is the number of live descendants plus one for
	// the record itself (I3, I4); pincount is the number of in-flight
	// critical sections using fd as an at-fd (I2); ioqueued reports whether
	// an async ioq operation currently owns this record.
	refcount int
	pincount int
	ioqueued bool

	// wasAsync reports whether this record was ever handed to the ioq (via
	// Queue.Detach). Queue.Pop uses it, under QueueOrder, to tell a
	// completed async entry (already classified, ready to dispatch) apart
	// from one still waiting on its first synchronous Pop.
	wasAsync bool

	// inLRU reports whether this record currently sits on the FD cache's
	// LRU list (I2's "iff"); it is false both before the record first gets
	// an fd and whenever pincount > 0.
	inLRU bool

	// Classification, filled in from the dirent hint and refined by stat
	// when required (stat.go's mustStat).
	Type EntryType
	Dev  uint64
	Ino  uint64

	statCache  statSlot
	lstatCache statSlot

	// postVisited guards against firing the POST callback twice (it may be
	// reached both by ordinary GC and by an explicit prune).
	postVisited bool

	// err accumulates a per-record error (e.g. a readdir failure partway
	// through a directory) surfaced as a TypeError visit when BFTW_RECOVER
	// is set.
	err error

	// Linked-list hooks. A FileRecord may simultaneously sit on the
	// traversal queue's buffer/waiting list, its ready list, and the FD
	// cache's LRU list; rather than aliasing one pair of pointers across
	// three lists (the source's intrusive-list trick, flagged for
	// re-architecture in spec.md §9), each list gets its own prev/next
	// pair.
	queuePrev, queueNext *FileRecord
	readyPrev, readyNext *FileRecord
	lruPrev, lruNext     *FileRecord
}

const noFD = -1

// newRecord allocates a FileRecord from the arena, pre-initialized with
// refcount 1 (the caller's own reference) and no open descriptor.
func newRecord(parent *FileRecord, root *FileRecord, name string, depth int) *FileRecord {
	r := defaultArena.get()
	r.Name = name
	r.Parent = parent
	r.Root = root
	r.Depth = depth
	r.fd = noFD
	r.refcount = 1

	if parent != nil {
		r.NameOffset = parent.NameOffset + parent.NameLength
		if parent.NameLength > 0 && parent.Name[parent.NameLength-1] != '/' {
			r.NameOffset++
		}
		parent.refcount++ // I4
	}
	r.NameLength = len(name)

	return r
}

// hasFD reports whether the record currently owns an open descriptor.
func (r *FileRecord) hasFD() bool { return r.fd != noFD }

// recordArena is a small free-list allocator for FileRecord values. Spec.md
// §9 calls for modeling the source's variable-length arena allocator
// ("Varena") as a paged bump allocator exposing per-record free to a
// free-list; since Go's FileRecord has no trailing variable-length field
// (Name is just a string header), a single-size free list is enough —
// there's only one size class.
type recordArena struct {
	mu   sync.Mutex
	free []*FileRecord
}

var defaultArena = &recordArena{}

func (a *recordArena) get() *FileRecord {
	a.mu.Lock()
	n := len(a.free)
	if n == 0 {
		a.mu.Unlock()
		return &FileRecord{}
	}
	r := a.free[n-1]
	a.free = a.free[:n-1]
	a.mu.Unlock()
	*r = FileRecord{}
	return r
}

func (a *recordArena) put(r *FileRecord) {
	a.mu.Lock()
	a.free = append(a.free, r)
	a.mu.Unlock()
}

// freeRecord returns r to the arena; get zeroes it, stat buffers included,
// before handing it out again. Must only be called once GC (engine.go) has
// determined r.refcount has reached zero and any POST visit has already
// fired.
func freeRecord(r *FileRecord) {
	defaultArena.put(r)
}
