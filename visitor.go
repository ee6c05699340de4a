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

import "golang.org/x/sys/unix"

// Action is a Visitor's answer, per spec.md §5.
type Action int

const (
	// Continue descends into a directory (at PRE) or simply moves on (at
	// POST, or for a non-directory).
	Continue Action = iota

	// Prune skips a directory's children (meaningless, and treated as
	// Continue, outside a PRE visit of a directory).
	Prune

	// Stop ends the walk immediately. Walk returns nil unless some other
	// error was already pending.
	Stop
)

// Visit distinguishes the two callbacks a directory receives when
// FlagPostOrder is set: once before its children are visited, once after.
// Every non-directory, and every directory when FlagPostOrder is not set,
// is visited exactly once, reported as Pre — except that, under
// FlagRecover, a directory whose opendir or readdir fails after its Pre
// visit gets a second Pre visit reporting the error as TypeError.
type Visit int

const (
	Pre Visit = iota
	Post
)

// Entry is the per-call argument handed to a Visitor: a lazily-populated
// view of one FileRecord, per spec.md §5's description of the callback
// argument.
type Entry struct {
	engine *Engine
	record *FileRecord

	path  string
	visit Visit

	// err is the classification error (e.g. ELOOP, ENAMETOOLONG) that
	// caused record.Type to be TypeError, if any. It is distinct from any
	// error returned by Stat/LStat, which reflects a later, caller-driven
	// stat attempt.
	err error
}

// Path returns the entry's path, built relative to however its root was
// named in WalkArgs.Paths.
func (v *Entry) Path() string { return v.path }

// Depth returns the entry's depth below its root (the root itself is 0).
func (v *Entry) Depth() int { return v.record.Depth }

// Visit reports whether this is the pre-order or post-order callback for a
// directory (see Visit's doc comment for when POST fires at all).
func (v *Entry) Visit() Visit { return v.visit }

// Type returns the entry's classification. It is accurate even without a
// Stat/LStat call whenever the underlying dirent type was trustworthy and
// the walk's flags didn't force a stat anyway.
func (v *Entry) Type() EntryType { return v.record.Type }

// Err returns the error that forced this entry to TypeError (a cycle, or a
// failed stat, opendir or readdir of this entry), or nil.
func (v *Entry) Err() error { return v.err }

// Stat returns the entry's (possibly symlink-followed, per WalkArgs.Flags)
// stat buffer, fetching and caching it on first call.
func (v *Entry) Stat() (unix.Stat_t, error) {
	return v.engine.fetchStat(v.record, v.engine.atFDFor(v.record))
}

// LStat returns the entry's never-follows-symlinks stat buffer, fetching
// and caching it on first call.
func (v *Entry) LStat() (unix.Stat_t, error) {
	return v.engine.fetchLstat(v.record, v.engine.atFDFor(v.record))
}

// Visitor is called once per PRE visit, and again at POST for directories
// when FlagPostOrder is set. Its Action answer steers the walk, per
// spec.md §5.
type Visitor func(*Entry) Action
