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
	"golang.org/x/sys/unix"

	"github.com/jacobsa/bfs/internal/dirbuf"
)

// followMode is the runtime stat flag set described in spec.md §4.4.e.
type followMode int

const (
	// noFollow is AT_SYMLINK_NOFOLLOW: stat the link itself.
	noFollow followMode = iota

	// tryFollow attempts to follow the link; on ENOENT (a broken symlink)
	// it retries with noFollow.
	tryFollow
)

// effectiveFollow computes the runtime follow mode for a record at the
// given depth, per spec.md §4.4.e: FollowRoots applies only at depth 0,
// FollowAll applies at every depth.
func effectiveFollow(depth int, flags Flags) followMode {
	if flags&FlagFollowAll != 0 {
		return tryFollow
	}
	if depth == 0 && flags&FlagFollowRoots != 0 {
		return tryFollow
	}
	return noFollow
}

// mustStat implements spec.md §4.4.d's must_stat predicate: whether an
// entry's type/dev/ino cannot be trusted from the dirent hint alone and a
// real stat(2)/lstat(2) call is required before the entry can be classified
// or descended into.
func mustStat(depth int, typ EntryType, flags Flags, mtab MountTable, name string) bool {
	if flags&(FlagStat|FlagUnique) != 0 {
		return true
	}
	if typ == TypeUnknown {
		return true
	}
	if typ == TypeDirectory {
		if flags&(FlagDetectCycles|FlagSkipMounts|FlagPruneMounts) != 0 {
			return true
		}
		if mtab != nil && mtab.IsMountPoint(name) {
			return true
		}
	}
	if typ == TypeSymlink && effectiveFollow(depth, flags) == tryFollow {
		return true
	}
	return false
}

// statAt performs a single fstatat(2) call, applying the AT_SYMLINK_NOFOLLOW
// flag for noFollow and retrying with it on ENOENT for tryFollow (a broken
// symlink target), per spec.md §4.4.e.
//
// Every descendant is resolved by its single dirent name relative to its
// parent's open fd, so a multi-component name only reaches this call for a
// root from WalkArgs.Paths (dirbuf.Open, which opens that root, carries
// the same fallback). On ENAMETOOLONG (spec.md §4.4.h), statAtLong
// resolves name component-wise instead.
func statAt(atFD int, name string, mode followMode) (unix.Stat_t, error) {
	var st unix.Stat_t

	atFlags := 0
	if mode == noFollow {
		atFlags = unix.AT_SYMLINK_NOFOLLOW
	}

	err := unix.Fstatat(atFD, name, &st, atFlags)
	if err == unix.ENOENT && mode == tryFollow {
		err = unix.Fstatat(atFD, name, &st, unix.AT_SYMLINK_NOFOLLOW)
	}
	if err == unix.ENAMETOOLONG {
		st, err = statAtLong(atFD, name, atFlags)
	}

	return st, err
}

// statAtLong is statAt's ENAMETOOLONG fallback: name is walked one path
// component at a time via dirbuf.ResolveParent, each step bounded by
// NAME_MAX rather than PATH_MAX, then the final component is stat'd
// relative to its now-open parent.
func statAtLong(atFD int, name string, atFlags int) (unix.Stat_t, error) {
	var st unix.Stat_t

	parentFD, last, err := dirbuf.ResolveParent(atFD, name)
	if err != nil {
		return st, err
	}
	if parentFD != atFD {
		defer unix.Close(parentFD)
	}

	err = unix.Fstatat(parentFD, last, &st, atFlags)
	return st, err
}

// fetchStat lazily fills r's follow-respecting stat cache slot (stat, as
// opposed to lstat), returning a cached result on subsequent calls.
func (e *Engine) fetchStat(r *FileRecord, atFD int) (unix.Stat_t, error) {
	switch r.statCache.state {
	case statFetchedOK:
		return r.statCache.buf, nil
	case statFetchedErrno:
		return unix.Stat_t{}, r.statCache.errno
	}

	st, err := statAt(atFD, r.Name, effectiveFollow(r.Depth, e.args.Flags))
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			r.statCache.state = statFetchedErrno
			r.statCache.errno = errno
		}
		return unix.Stat_t{}, err
	}

	r.statCache.state = statFetchedOK
	r.statCache.buf = st
	return st, nil
}

// fetchLstat lazily fills r's no-follow stat cache slot.
func (e *Engine) fetchLstat(r *FileRecord, atFD int) (unix.Stat_t, error) {
	switch r.lstatCache.state {
	case statFetchedOK:
		return r.lstatCache.buf, nil
	case statFetchedErrno:
		return unix.Stat_t{}, r.lstatCache.errno
	}

	st, err := statAt(atFD, r.Name, noFollow)

	// Whiteout emulation (spec.md §4.4.b, §3's TypeWhiteout): a dirent that
	// the directory reader already classified as a whiteout, when
	// BFTW_WHITEOUTS is set, is expected to fail lstat with ENOENT (it's a
	// negative entry synthesized by the union filesystem); that is not an
	// error, it confirms the classification.
	if err == unix.ENOENT && r.Type == TypeWhiteout && e.args.Flags&FlagWhiteouts != 0 {
		r.lstatCache.state = statFetchedOK
		return unix.Stat_t{}, nil
	}

	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			r.lstatCache.state = statFetchedErrno
			r.lstatCache.errno = errno
		}
		return unix.Stat_t{}, err
	}

	r.lstatCache.state = statFetchedOK
	r.lstatCache.buf = st
	return st, nil
}

// classify fills in r.Type/Dev/Ino from a freshly-fetched stat buffer,
// following the same type mapping dirbuf.Entry.Type uses for dirent d_type
// bytes.
func classify(r *FileRecord, st unix.Stat_t) {
	r.Dev = uint64(st.Dev)
	r.Ino = st.Ino

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		r.Type = TypeRegular
	case unix.S_IFDIR:
		r.Type = TypeDirectory
	case unix.S_IFLNK:
		r.Type = TypeSymlink
	case unix.S_IFBLK:
		r.Type = TypeBlockDev
	case unix.S_IFCHR:
		r.Type = TypeCharDev
	case unix.S_IFIFO:
		r.Type = TypeFifo
	case unix.S_IFSOCK:
		r.Type = TypeSocket
	default:
		r.Type = TypeUnknown
	}
}
