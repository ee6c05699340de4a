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
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/jacobsa/bfs/internal/dirbuf"
	"github.com/jacobsa/bfs/internal/ioqueue"
)

// Engine drives a single BFS or DFS walk. IDS and EDS (strategy.go) run a
// sequence of depth-bounded Engines rather than being Engine features
// themselves.
type Engine struct {
	args    WalkArgs
	visitor Visitor

	fdCache *FDCache
	ioq     *ioqueue.Queue

	dirQueue  *Queue
	fileQueue *Queue

	// inFlight counts ioq requests submitted but not yet completed. It lets
	// reserveFD (fdcache.go) and run's drain loop tell whether blocking on
	// the completions channel can ever unblock.
	inFlight int

	// pathBuf and previous back buildPath's incremental reconstruction
	// (path.go).
	pathBuf  []byte
	previous *FileRecord

	roots []*FileRecord

	firstErr error
	stopped  bool

	debugLog *log.Logger
	errorLog *log.Logger

	// clock and startTime back the elapsed-time note in openDirectorySync's
	// debug line: how long this Walk has been running when a given
	// directory is opened, injectable via WalkArgs.Clock for deterministic
	// tests.
	clock     timeutil.Clock
	startTime time.Time
}

// openTag and statTag are the Tag payloads Engine attaches to ioqueue
// requests so the completion handler knows which FileRecord (and which
// pinned at-fd record, if any) a given Completion belongs to.
type openTag struct {
	record   *FileRecord
	atRecord *FileRecord
}

type statTag struct {
	record   *FileRecord
	atRecord *FileRecord
}

// newEngine builds an Engine for a single BFS or DFS pass. visitor is
// passed separately from args.Visitor so that strategy.go's wrappers
// (dedupe, depth-bounded passes) can run a fresh Engine per pass with a
// different effective visitor than the one the caller supplied.
func newEngine(args WalkArgs, visitor Visitor) *Engine {
	e := &Engine{
		args:      args,
		visitor:   visitor,
		fdCache:   NewFDCache(args.MaxOpenFiles),
		debugLog:  args.DebugLog,
		errorLog:  args.ErrorLog,
		clock:     args.Clock,
		startTime: args.Clock.Now(),
	}

	flags := QueueBalance | QueueOrder
	if args.Flags&FlagBuffer != 0 {
		flags |= QueueBuffer
	}
	if args.Strategy == DFS {
		flags |= QueueLIFO
	}
	e.dirQueue = NewQueue(flags)
	e.fileQueue = NewQueue(flags)

	if args.IOQueueThreads >= 0 {
		threads := args.IOQueueThreads
		if threads == 0 {
			threads = 4
		}
		e.ioq = ioqueue.New(threads)
	}

	return e
}

// run seeds the engine with every root in args.Paths, then services the
// directory and file queues until both drain, returning the first error
// encountered (nil if args.Flags&FlagRecover absorbed every error along the
// way).
//
// The whole pass is wrapped in a single reqtrace span, mirroring
// connection.go's one-span-per-FUSE-op convention but at the granularity of
// one span per Walk (there is no per-entry op boundary worth tracing
// separately; the span's interesting content is the aggregate time spent
// walking, not any one stat or opendir).
func (e *Engine) run() (err error) {
	_, report := reqtrace.StartSpan(context.Background(), "bfs.Walk")
	defer func() { report(err) }()

	if e.ioq != nil {
		defer func() {
			e.ioq.Cancel()
			e.ioq.Drain()
		}()
	}

	for _, p := range e.args.Paths {
		e.seedRoot(p)
	}

	for {
		e.serviceCompletions()

		if e.stepFile() {
			continue
		}
		if e.stepDir() {
			continue
		}

		if e.fileQueue.Empty() && e.dirQueue.Empty() && e.inFlight == 0 {
			err = e.firstErr
			return err
		}

		// Nothing immediately poppable (everything buffered behind an
		// in-flight async op); block for the next completion rather than
		// busy-looping.
		if !e.drainIOQOnce() {
			err = e.firstErr
			return err
		}
	}
}

// seedRoot resolves one of args.Paths into a depth-0 FileRecord and queues
// it. Roots are always stat'd synchronously up front — there's exactly one
// per WalkArgs.Paths entry, so the cost is negligible, and every later
// decision (is it a directory? does it need to be followed?) depends on
// knowing its type.
func (e *Engine) seedRoot(p string) {
	root := newRecord(nil, nil, p, 0)
	root.Root = root
	e.roots = append(e.roots, root)

	st, err := statAt(unix.AT_FDCWD, p, effectiveFollow(0, e.args.Flags))
	if err != nil {
		e.recordError(root, err)
		e.releaseSelf(root)
		return
	}
	classify(root, st)
	root.statCache = statSlot{state: statFetchedOK, buf: st}

	e.fileQueue.Push(root)
}

// visitChild is called once per dirent read out of an open directory, per
// spec.md §4.4.a: it allocates the child record and queues it for
// classification and dispatch. Every child, directories included, starts
// on the file queue; dispatch (once it knows the child's real type and has
// delivered its PRE callback) is what moves a directory that's being
// descended into onto the directory queue for its own opendir phase.
func (e *Engine) visitChild(parent *FileRecord, name string, dtype EntryType) {
	child := newRecord(parent, parent.Root, name, parent.Depth+1)
	child.Type = dtype
	e.fileQueue.Push(child)
}

// stepFile pops and services one entry from the file queue, returning
// false if the file queue had nothing immediately poppable.
func (e *Engine) stepFile() bool {
	e.fileQueue.Flush()
	r, synchronous := e.fileQueue.Pop()
	if r == nil {
		return false
	}

	if !synchronous {
		// Popped off ready: an async stat, if one was needed, already
		// landed via processCompletion.
		e.dispatch(r)
		return true
	}

	if needStat(r, e.args) {
		if e.ioq != nil && e.fileQueue.CanAsync() {
			e.submitStat(r)
			return true
		}
		if !e.statSync(r) {
			return true
		}
	}

	e.dispatch(r)
	return true
}

// stepDir pops and services one entry from the directory queue, returning
// false if the directory queue had nothing immediately poppable.
func (e *Engine) stepDir() bool {
	e.dirQueue.Flush()
	r, synchronous := e.dirQueue.Pop()
	if r == nil {
		return false
	}

	if !synchronous {
		// Popped off ready: an async opendir already attached r.dir/r.fd.
		e.readDirectory(r)
		return true
	}

	if e.ioq != nil && e.dirQueue.CanAsync() {
		e.submitOpenDir(r)
		return true
	}

	e.openDirectorySync(r)
	return true
}

// statSync performs a blocking, follow-respecting stat of r on the calling
// goroutine, classifying it on success. It reports false if it already
// delivered (or aborted on) an error, in which case the caller must not
// process r any further.
func (e *Engine) statSync(r *FileRecord) bool {
	st, err := e.fetchStat(r, e.atFDFor(r))
	if err != nil {
		e.recordError(r, err)
		e.releaseSelf(r)
		return false
	}
	classify(r, st)
	return true
}

// submitStat offloads r's classification stat to the ioq.
func (e *Engine) submitStat(r *FileRecord) {
	atRecord := r.Parent
	if atRecord != nil {
		e.fdCache.pin(atRecord)
	}
	e.fileQueue.Detach(r, true)

	flags := 0
	if effectiveFollow(r.Depth, e.args.Flags) == noFollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}

	var st unix.Stat_t
	e.inFlight++
	e.ioq.Submit(ioqueue.Request{
		Kind:    ioqueue.Stat,
		Tag:     statTag{record: r, atRecord: atRecord},
		AtFD:    e.atFDFor(r),
		Name:    r.Name,
		Flags:   flags,
		StatOut: &st,
	})
}

// openDirectorySync opens r's directory on the calling goroutine.
func (e *Engine) openDirectorySync(r *FileRecord) {
	if err := e.reserveFD(); err != nil {
		e.recordError(r, err)
		e.releaseSelf(r)
		return
	}

	d, err := dirbuf.Open(e.atFDFor(r), r.Name)
	if err != nil {
		e.recordError(r, err)
		e.releaseSelf(r)
		return
	}

	e.debugLog.Printf(
		"opendir %q (fd %d) at +%s", r.Name, d.Fd(), e.clock.Now().Sub(e.startTime))
	r.dir = d
	r.fd = d.Fd()
	e.fdCache.add(r)
	e.readDirectory(r)
}

// submitOpenDir offloads r's opendir to the ioq.
func (e *Engine) submitOpenDir(r *FileRecord) {
	atRecord := r.Parent
	if atRecord != nil {
		e.fdCache.pin(atRecord)
	}
	e.dirQueue.Detach(r, true)

	var d *dirbuf.Dir
	e.inFlight++
	e.ioq.Submit(ioqueue.Request{
		Kind:   ioqueue.OpenDir,
		Tag:    openTag{record: r, atRecord: atRecord},
		AtFD:   e.atFDFor(r),
		Name:   r.Name,
		DirOut: &d,
	})
}

// readDirectory drains every entry from r's already-open directory stream,
// feeding each to visitChild, then releases r's own pending reference. r's
// descendants, if any, keep it alive (via newRecord's parent.refcount++)
// until they've all finished.
func (e *Engine) readDirectory(r *FileRecord) {
	e.fdCache.pin(r)

	if e.args.Flags&FlagSort != 0 {
		e.readDirectorySorted(r)
	} else {
		e.readDirectoryUnsorted(r)
	}

	e.fdCache.unpin(r)
	e.releaseSelf(r)
}

// readDirectoryUnsorted streams entries to visitChild one at a time, in
// raw readdir order.
func (e *Engine) readDirectoryUnsorted(r *FileRecord) {
	for {
		if e.stopped {
			break
		}

		ent, err := r.dir.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.recordError(r, err)
			break
		}

		if ent.Type == dtWhiteout && e.args.Flags&FlagWhiteouts == 0 {
			continue
		}

		e.visitChild(r, ent.Name, typeFromDirentType(ent.Type))
	}
}

// readDirectorySorted implements FlagSort (BFTW_SORT in spec.md §3): the
// whole directory is drained into memory first, since sorting requires
// knowing every sibling's name before any of them can be dispatched.
func (e *Engine) readDirectorySorted(r *FileRecord) {
	type child struct {
		name string
		typ  EntryType
	}

	var children []child
	for {
		ent, err := r.dir.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.recordError(r, err)
			return
		}

		if ent.Type == dtWhiteout && e.args.Flags&FlagWhiteouts == 0 {
			continue
		}

		children = append(children, child{ent.Name, typeFromDirentType(ent.Type)})
	}

	sort.Slice(children, func(i, j int) bool {
		return strcoll(children[i].name, children[j].name) < 0
	})

	for _, c := range children {
		if e.stopped {
			break
		}
		e.visitChild(r, c.name, c.typ)
	}
}

// strcoll compares two sibling names the way strcoll(3) does in the
// "C"/"POSIX" locale: plain byte-wise ordering. No example in this tree
// pulls in a locale-aware collation library (golang.org/x/text/collate and
// friends show up only for transport/backend code elsewhere in the
// retrieval pack, never for directory listings), and BFTW_SORT's own
// reference behavior is the "C" locale's byte order, so strings.Compare is
// the right tool here rather than a stand-in for one.
func strcoll(a, b string) int {
	return strings.Compare(a, b)
}

// dispatch delivers the PRE callback for r (performing any cycle/mount
// check that depends on r's now-known classification first) and acts on
// the Visitor's answer.
func (e *Engine) dispatch(r *FileRecord) {
	if e.stopped {
		e.releaseSelf(r)
		return
	}

	if r.Type == TypeDirectory {
		if e.args.Flags&FlagDetectCycles != 0 && e.cycleDetected(r) {
			r.Type = TypeError
			r.err = unix.ELOOP
		} else if e.args.Flags&FlagSkipMounts != 0 && e.isMountPoint(r) {
			// Silently omitted: no callback, no descent.
			e.releaseSelf(r)
			return
		}
	}

	path := e.buildPath(r)
	entry := &Entry{engine: e, record: r, path: path, visit: Pre, err: r.err}
	action := e.visitor(entry)

	switch action {
	case Stop:
		e.stopped = true
		e.releaseSelf(r)

	case Prune:
		e.releaseSelf(r)

	default: // Continue
		if r.Type != TypeDirectory {
			e.releaseSelf(r)
			return
		}
		if e.args.Flags&FlagPruneMounts != 0 && e.isMountPoint(r) {
			e.releaseSelf(r)
			return
		}
		e.dirQueue.Push(r)
	}
}

// recordError handles an I/O error encountered while resolving r (a failed
// stat, opendir, or mid-directory readdir). With FlagRecover it surfaces a
// single TypeError entry for r and keeps the rest of the walk going;
// without it, the first such error aborts the walk (Walk's return value).
func (e *Engine) recordError(r *FileRecord, err error) {
	e.errorLog.Printf("%s: %v", r.Name, err)

	r.Type = TypeError
	r.err = err

	if e.args.Flags&FlagRecover != 0 {
		path := e.buildPath(r)
		entry := &Entry{engine: e, record: r, path: path, visit: Pre, err: err}
		if e.visitor(entry) == Stop {
			e.stopped = true
		}
		return
	}

	if e.firstErr == nil {
		e.firstErr = err
	}
	e.stopped = true
}

// firePost delivers the POST callback for a directory, once (guarded by the
// postVisited latch). maybeFinalize calls it, under FlagPostOrder, for any
// record still typed TypeDirectory when its refcount reaches zero: a
// directory that was fully read, pruned, or cut short by Stop. A directory
// whose stat, opendir or readdir failed has been retyped TypeError by
// recordError and gets no POST visit.
func (e *Engine) firePost(r *FileRecord) {
	if r.postVisited {
		return
	}
	r.postVisited = true

	path := e.buildPath(r)
	entry := &Entry{engine: e, record: r, path: path, visit: Post, err: r.err}
	if e.visitor(entry) == Stop {
		e.stopped = true
	}
}

// releaseSelf drops r's own pending reference (the one newRecord
// initializes to 1), finalizing r once no descendant still references it
// either.
func (e *Engine) releaseSelf(r *FileRecord) {
	r.refcount--
	e.maybeFinalize(r)
}

// releaseChild drops the reference a now-finished child was holding on its
// parent.
func (e *Engine) releaseChild(parent *FileRecord) {
	parent.refcount--
	e.maybeFinalize(parent)
}

// maybeFinalize closes r's descriptor, fires its POST visit if applicable,
// propagates the release to r's parent, and returns r to the arena, once
// r.refcount has reached zero — i.e. once r itself is done being processed
// and every descendant it spawned has also finished (spec.md §3, I3/I4).
func (e *Engine) maybeFinalize(r *FileRecord) {
	if r.refcount > 0 {
		return
	}

	if r.Type == TypeDirectory && e.args.Flags&FlagPostOrder != 0 {
		e.firePost(r)
	}
	if r.hasFD() {
		e.closeRecordFD(r)
	}
	if r.Parent != nil {
		e.releaseChild(r.Parent)
	}
	// r's memory goes back to the arena and may be handed out again, so it
	// can no longer anchor buildPath's incremental reconstruction.
	if e.previous == r {
		e.previous = nil
	}
	freeRecord(r)
}

// closeRecordFD drops r's descriptor from the FD cache's bookkeeping and
// actually closes it.
func (e *Engine) closeRecordFD(r *FileRecord) {
	e.fdCache.remove(r)
	if r.dir != nil {
		r.dir.Close()
		r.dir = nil
	} else if r.fd != noFD {
		unix.Close(r.fd)
	}
	r.fd = noFD
}

// atFDFor returns the at-fd to resolve r.Name against: its parent's open
// descriptor, or AT_FDCWD for a root.
func (e *Engine) atFDFor(r *FileRecord) int {
	if r.Parent == nil {
		return unix.AT_FDCWD
	}
	return r.Parent.fd
}

// cycleDetected walks r's ancestor chain looking for a (dev, ino) match,
// per spec.md §4.4.f. Every ancestor on the chain has already been
// classified, since FlagDetectCycles forces mustStat on every directory.
func (e *Engine) cycleDetected(r *FileRecord) bool {
	for a := r.Parent; a != nil; a = a.Parent {
		if a.Dev == r.Dev && a.Ino == r.Ino {
			return true
		}
	}
	return false
}

// isMountPoint reports whether r's device differs from its parent's. Roots
// have no parent and are never reported as mount points by this check.
func (e *Engine) isMountPoint(r *FileRecord) bool {
	if r.Parent == nil {
		return false
	}
	return r.Dev != r.Parent.Dev
}

// serviceCompletions drains every completion currently sitting on the ioq's
// channel without blocking.
func (e *Engine) serviceCompletions() {
	if e.ioq == nil {
		return
	}
	for {
		c, ok := e.ioq.TryCompletion()
		if !ok {
			return
		}
		e.inFlight--
		e.processCompletion(c)
	}
}

// drainIOQOnce blocks for exactly one completion and processes it,
// reporting false if there is no in-flight request to wait for.
func (e *Engine) drainIOQOnce() bool {
	if e.ioq == nil || e.inFlight == 0 {
		return false
	}
	c, ok := <-e.ioq.Completions()
	if !ok {
		return false
	}
	e.inFlight--
	e.processCompletion(c)
	return true
}

func (e *Engine) processCompletion(c ioqueue.Completion) {
	switch c.Req.Kind {
	case ioqueue.OpenDir:
		tag := c.Req.Tag.(openTag)
		if tag.atRecord != nil {
			e.fdCache.unpin(tag.atRecord)
		}
		r := tag.record

		if c.Err != nil {
			e.recordError(r, c.Err)
			e.releaseSelf(r)
			return
		}

		d := *c.Req.DirOut
		if err := e.reserveFD(); err != nil {
			d.Close()
			e.recordError(r, err)
			e.releaseSelf(r)
			return
		}

		r.dir = d
		r.fd = d.Fd()
		e.fdCache.add(r)
		e.dirQueue.Attach(r, true)

	case ioqueue.Stat:
		tag := c.Req.Tag.(statTag)
		if tag.atRecord != nil {
			e.fdCache.unpin(tag.atRecord)
		}
		r := tag.record

		if c.Err != nil {
			e.recordError(r, c.Err)
			e.releaseSelf(r)
			return
		}

		classify(r, *c.Req.StatOut)
		e.fileQueue.Attach(r, true)

	case ioqueue.Close:
		// Engine always closes descriptors synchronously in
		// closeRecordFD; this kind is unused on this path.
	}
}

// needStat reports whether r's classification must be confirmed with a
// real stat(2)/lstat(2) call before it can be dispatched or descended
// into.
func needStat(r *FileRecord, args WalkArgs) bool {
	return mustStat(r.Depth, r.Type, args.Flags, args.MountTable, r.Name)
}
