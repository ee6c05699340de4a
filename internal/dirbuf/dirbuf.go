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

// Package dirbuf provides a minimal, allocation-light reader for Linux
// getdents64(2) records, read through golang.org/x/sys/unix.ReadDirent.
//
// The approach mirrors github.com/jacobsa/fuse/internal/buffer: rather than
// unmarshalling into a Go struct per entry, a fixed backing array is reused
// across reads and individual records are addressed in place with
// unsafe.Pointer, matching the kernel's linux_dirent64 layout:
//
//	struct linux_dirent64 {
//		ino64_t        d_ino;
//		off64_t        d_off;
//		unsigned short d_reclen;
//		unsigned char  d_type;
//		char           d_name[];
//	};
package dirbuf

import (
	"io"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	direntInoOffset    = 0
	direntReclenOffset = 16
	direntTypeOffset   = 18
	direntNameOffset   = 19
	direntMinSize      = direntNameOffset
)

// bufSize is the size of the read buffer used for each getdents64 call.
// Large enough that a single call usually drains a directory's worth of
// small-to-medium entries.
const bufSize = 32 * 1024

// Entry is one directory entry, decoded from a raw linux_dirent64 record.
type Entry struct {
	Ino  uint64
	Type uint8 // a DT_* constant from golang.org/x/sys/unix, or DT_UNKNOWN
	Name string
}

// Dir is an open directory stream, read with raw getdents64 calls.
type Dir struct {
	fd  int
	buf [bufSize]byte
	off int
	n   int
}

// Open opens the directory named name relative to atFD (unix.AT_FDCWD for
// the process's current directory) for reading.
//
// If name is too long for a single openat(2) call (ENAMETOOLONG — see
// spec.md §4.4.h), it falls back to ResolveParent's component-wise walk,
// each step bounded by NAME_MAX rather than PATH_MAX.
func Open(atFD int, name string) (*Dir, error) {
	fd, err := unix.Openat(
		atFD,
		name,
		unix.O_RDONLY|unix.O_CLOEXEC|unix.O_DIRECTORY|unix.O_NONBLOCK,
		0)
	if err == unix.ENAMETOOLONG {
		fd, err = openLong(atFD, name)
	}
	if err != nil {
		return nil, err
	}

	return &Dir{fd: fd}, nil
}

// openLong is Open's ENAMETOOLONG fallback: name is resolved one
// "/"-separated component at a time via ResolveParent, then the final
// component is opened properly (O_DIRECTORY, not O_PATH) relative to its
// now-open parent.
func openLong(atFD int, name string) (int, error) {
	parentFD, last, err := ResolveParent(atFD, name)
	if err != nil {
		return -1, err
	}
	if parentFD != atFD {
		defer unix.Close(parentFD)
	}

	return unix.Openat(
		parentFD, last, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_DIRECTORY|unix.O_NONBLOCK, 0)
}

// ResolveParent walks name one "/"-separated component at a time, each
// resolved with its own openat(2) call (bounded by NAME_MAX rather than
// PATH_MAX), and returns an fd open on the second-to-last component (or
// atFD itself, if a relative name has exactly one component; an absolute
// name is resolved from "/" rather than from atFD) along with the final
// component's name — letting a caller perform the real operation
// (openat with O_DIRECTORY, or fstatat) relative to that fd instead of
// handing the whole, possibly PATH_MAX-exceeding string to a single
// syscall. This is the fallback both Open and stat.go's statAt reach for
// on ENAMETOOLONG.
//
// The returned fd, when it is not atFD itself, is the caller's to close.
func ResolveParent(atFD int, name string) (parentFD int, last string, err error) {
	var components []string
	for _, p := range strings.Split(name, "/") {
		if p != "" {
			components = append(components, p)
		}
	}
	if len(components) == 0 {
		return -1, "", unix.ENOENT
	}

	cur := atFD
	opened := -1
	if strings.HasPrefix(name, "/") {
		// An absolute name is resolved from "/", not from atFD.
		rootFD, oerr := unix.Open("/", unix.O_PATH|unix.O_CLOEXEC, 0)
		if oerr != nil {
			return -1, "", oerr
		}
		cur = rootFD
		opened = rootFD
	}
	for _, p := range components[:len(components)-1] {
		next, oerr := unix.Openat(cur, p, unix.O_PATH|unix.O_CLOEXEC, 0)
		if opened >= 0 {
			unix.Close(opened)
		}
		if oerr != nil {
			return -1, "", oerr
		}
		cur = next
		opened = next
	}

	return cur, components[len(components)-1], nil
}

// Fd returns the directory's underlying file descriptor. Per FileRecord's
// invariant I1, this is exactly the value callers should use as fd once a
// Dir is attached to a record.
func (d *Dir) Fd() int {
	return d.fd
}

// Close closes the directory's descriptor. Safe to call more than once.
func (d *Dir) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Next returns the next entry in the directory, skipping "." and "..".
// It returns io.EOF once the directory is exhausted.
func (d *Dir) Next() (Entry, error) {
	for {
		if d.off >= d.n {
			n, err := unix.ReadDirent(d.fd, d.buf[:])
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return Entry{}, err
			}
			if n == 0 {
				return Entry{}, io.EOF
			}
			d.n = n
			d.off = 0
		}

		rec := d.buf[d.off:d.n]
		if len(rec) < direntMinSize {
			// A short trailing record should never happen; treat it as end
			// of the current buffer and force a refill.
			d.off = d.n
			continue
		}

		reclen := int(*(*uint16)(unsafe.Pointer(&rec[direntReclenOffset])))
		if reclen <= 0 || reclen > len(rec) {
			d.off = d.n
			continue
		}

		ino := *(*uint64)(unsafe.Pointer(&rec[direntInoOffset]))
		typ := rec[direntTypeOffset]

		nameBytes := rec[direntNameOffset:reclen]
		nameLen := 0
		for nameLen < len(nameBytes) && nameBytes[nameLen] != 0 {
			nameLen++
		}
		name := string(nameBytes[:nameLen])

		d.off += reclen

		if name == "." || name == ".." {
			continue
		}

		return Entry{Ino: ino, Type: typ, Name: name}, nil
	}
}
