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
	"log"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// Flags configures a Walk, per spec.md §5 and SPEC_FULL.md's supplemented
// feature list.
type Flags uint32

const (
	// FlagStat forces a stat(2) (follow-respecting, per FlagFollowRoots and
	// FlagFollowAll) of every entry, rather than trusting dirent hints.
	FlagStat Flags = 1 << iota

	// FlagPostOrder requests a second, POST visit of every directory after
	// its children have all been visited.
	FlagPostOrder

	// FlagDetectCycles forces a stat of every directory and checks it
	// against its (dev, ino) ancestor chain, surfacing ELOOP rather than
	// descending into a cycle.
	FlagDetectCycles

	// FlagSkipMounts forces a stat of every directory and silently omits
	// (no callback at all) any whose device differs from its parent's.
	FlagSkipMounts

	// FlagPruneMounts forces a stat of every directory; a mount point is
	// still visited but its children are skipped, as if the Visitor had
	// returned Prune (so under FlagPostOrder it also gets its POST visit).
	FlagPruneMounts

	// FlagBuffer routes every discovered directory entry through the
	// traversal queue's buffer stage (newEngine in engine.go), at the cost
	// of holding a whole directory's worth of records in memory before any
	// of them is visited. QueueLIFO, which the DFS strategy sets, only acts
	// on that buffer's flush, so DFS order depends on this flag; QueueOrder
	// is set on both queues regardless.
	FlagBuffer

	// FlagWhiteouts recognizes DT_WHT dirents (and the corresponding ENOENT
	// from lstat) as TypeWhiteout entries instead of surfacing them as
	// errors.
	FlagWhiteouts

	// FlagFollowRoots follows a symlink passed directly in WalkArgs.Paths
	// (depth 0) to see what it points to; it does not affect symlinks
	// encountered while descending.
	FlagFollowRoots

	// FlagFollowAll follows every symlink encountered at any depth. Walk
	// rejects it with EINVAL unless FlagDetectCycles is also set, since
	// without cycle detection a symlink loop would make the walk infinite.
	FlagFollowAll

	// FlagRecover causes a mid-directory readdir error to surface as a
	// single TypeError entry for the directory (with Entry.Err set)
	// instead of aborting the whole walk.
	FlagRecover

	// FlagUnique deduplicates entries by (dev, ino): an entry whose
	// identity has already been visited is skipped silently. See
	// strategy.go's dedupeWrapper.
	FlagUnique

	// FlagSort visits each directory's children in name order instead of
	// raw readdir order (BFTW_SORT in spec.md §3), comparing byte-wise as
	// strcoll does in the "C"/"POSIX" locale. Requires buffering a whole
	// directory's entries before any of them can be dispatched.
	FlagSort
)

// MountTable lets a caller supply external mount point knowledge (parsed
// from /proc/mounts or similar). It is optional and used only in stat.go's
// mustStat, which calls IsMountPoint with a directory entry's name (its
// last path component) and forces a stat of that directory when it
// reports true. FlagSkipMounts/FlagPruneMounts stat every directory
// regardless and detect mount points by comparing device numbers.
type MountTable interface {
	IsMountPoint(path string) bool
}

// Strategy selects the traversal order, per spec.md §2 and §6.
type Strategy int

const (
	// BFS visits all entries at depth N before any at depth N+1.
	BFS Strategy = iota

	// DFS sets QueueLIFO on both queues. With FlagBuffer, each flushed
	// batch is taken newest-first, so the subdirectories of the directory
	// just read are opened before directories queued earlier; every entry
	// of a directory still gets its PRE visit before any of its
	// subdirectories is opened. Without FlagBuffer, QueueLIFO has nothing
	// to act on and DFS visits entries in the same order as BFS.
	DFS

	// IDS (iterative deepening) performs successive bounded DFS passes at
	// increasing depth limits, per spec.md §6's description. Every pass
	// walks the shallower entries again, but the Visitor is called at most
	// once per entry.
	IDS

	// EDS (exponential deepening) performs successive bounded BFS passes
	// with a doubling depth limit. Every pass walks the shallower entries
	// again, but the Visitor is called at most once per entry.
	EDS
)

// WalkArgs configures a single call to Walk.
type WalkArgs struct {
	// Paths is one or more root paths to traverse, visited as siblings at
	// depth 0 in the order given.
	Paths []string

	// Visitor is called for every entry (see Flags.FlagPostOrder for when
	// directories get a second call). Required.
	Visitor Visitor

	Flags    Flags
	Strategy Strategy

	// MountTable is optional; see MountTable's doc comment.
	MountTable MountTable

	// MaxOpenFiles bounds the FD cache's capacity. Zero selects a default
	// derived from RLIMIT_NOFILE. Must be at least 2 if set explicitly (one
	// slot for the record being visited, one for its parent, per spec.md
	// §4.1).
	MaxOpenFiles int

	// IOQueueThreads is the number of ioq worker goroutines. Zero selects a
	// small default (4); negative creates no ioq at all. Both traversal
	// queues are built with QueueBalance, and the engine lowers their
	// balance on every Push and raises it only in Attach (after an async
	// Detach), so CanAsync never reports true and no stat or opendir is
	// submitted to the workers: every operation runs synchronously on the
	// calling goroutine whatever this is set to.
	IOQueueThreads int

	DebugLog *log.Logger
	ErrorLog *log.Logger

	// Clock is injectable for tests; defaults to the real wall clock.
	Clock timeutil.Clock
}

// defaultMaxOpenFiles derives a cache capacity from the process's file
// descriptor limit, matching the reference implementation's nopenfd
// default (a quarter of the soft RLIMIT_NOFILE, floored at 2).
func defaultMaxOpenFiles() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 2
	}
	n := int(rlim.Cur / 4)
	if n < 2 {
		n = 2
	}
	return n
}

// Walk traverses every path in args.Paths, calling args.Visitor for each
// entry found, per the strategy and flags requested.
//
// Walk validates args before doing any I/O or calling the Visitor at all;
// a validation failure returns EINVAL without ever invoking the callback,
// per spec.md §5.
func Walk(args WalkArgs) error {
	if args.Visitor == nil {
		return fmt.Errorf("bfs: WalkArgs.Visitor is required: %w", unix.EINVAL)
	}
	if len(args.Paths) == 0 {
		return fmt.Errorf("bfs: WalkArgs.Paths must be non-empty: %w", unix.EINVAL)
	}
	if args.Strategy < BFS || args.Strategy > EDS {
		return fmt.Errorf("bfs: unrecognized Strategy %d: %w", args.Strategy, unix.EINVAL)
	}
	if args.MaxOpenFiles != 0 && args.MaxOpenFiles < 2 {
		return fmt.Errorf("bfs: WalkArgs.MaxOpenFiles must be at least 2: %w", unix.EINVAL)
	}
	if args.Flags&FlagFollowAll != 0 && args.Flags&FlagDetectCycles == 0 {
		return fmt.Errorf("bfs: FlagFollowAll requires FlagDetectCycles: %w", unix.EINVAL)
	}

	if args.MaxOpenFiles == 0 {
		args.MaxOpenFiles = defaultMaxOpenFiles()
	}
	if args.DebugLog == nil {
		args.DebugLog = log.New(devNull{}, "bfs: ", 0)
	}
	if args.ErrorLog == nil {
		args.ErrorLog = log.New(devNull{}, "bfs: ", 0)
	}
	if args.Clock == nil {
		args.Clock = timeutil.RealClock()
	}

	visitor := args.Visitor
	if args.Flags&FlagUnique != 0 {
		visitor = dedupeWrapper(visitor)
	}

	switch args.Strategy {
	case BFS, DFS:
		e := newEngine(args, visitor)
		return e.run()
	case IDS:
		return runIDS(args, visitor)
	case EDS:
		return runEDS(args, visitor)
	default:
		panic("unreachable")
	}
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }
