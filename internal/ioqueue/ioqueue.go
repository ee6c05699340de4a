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

// Package ioqueue implements the async submit/complete queue described in
// spec.md §4.2: a bounded pool of workers overlapping opendir/stat/close
// with the caller's own processing.
//
// Per spec.md §9's re-architecture note, the three operation kinds are
// modeled as a tagged union (Request.Kind plus kind-specific fields) with a
// common Completion header carrying the tag, result, and error, rather
// than as three separate channel types.
package ioqueue

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/bfs/internal/dirbuf"
)

// Kind identifies which of the three blocking operations a Request
// performs.
type Kind int

const (
	OpenDir Kind = iota
	Stat
	Close
)

// Request is a single unit of offloaded work. Tag is opaque to the queue;
// the caller stashes whatever it needs to correlate the Completion with its
// own bookkeeping (in bfs, a *FileRecord).
type Request struct {
	Kind Kind
	Tag  interface{}

	// OpenDir, Stat.
	AtFD  int
	Name  string
	Flags int

	// OpenDir writes its result here.
	DirOut **dirbuf.Dir

	// Stat writes its result here.
	StatOut *unix.Stat_t

	// Close.
	Closer io.Closer
}

// Completion reports the outcome of a Request.
type Completion struct {
	Req Request
	Err error
}

// Queue is a pool of worker goroutines servicing Requests submitted via
// Submit, publishing Completions in whatever order they finish (ordering
// guarantees, when needed, are the traversal Queue's job — see queue.go's
// QueueOrder flag).
type Queue struct {
	requests    chan Request
	completions chan Completion

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Queue with the given number of worker goroutines. workers
// must be at least 1.
func New(workers int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		requests:    make(chan Request, 64),
		completions: make(chan Completion, 64),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case req, ok := <-q.requests:
			if !ok {
				return
			}
			err := perform(req)
			select {
			case q.completions <- Completion{Req: req, Err: err}:
			case <-q.ctx.Done():
				return
			}
		}
	}
}

func perform(req Request) error {
	switch req.Kind {
	case OpenDir:
		d, err := dirbuf.Open(req.AtFD, req.Name)
		if err != nil {
			return err
		}
		*req.DirOut = d
		return nil

	case Stat:
		var st unix.Stat_t
		err := unix.Fstatat(req.AtFD, req.Name, &st, req.Flags)
		if err != nil {
			return err
		}
		*req.StatOut = st
		return nil

	case Close:
		return req.Closer.Close()

	default:
		return fmt.Errorf("ioqueue: unrecognized op kind %v", req.Kind)
	}
}

// Submit enqueues req for background processing. Must not be called after
// Cancel.
func (q *Queue) Submit(req Request) {
	q.requests <- req
}

// Completions returns the channel completions are published on.
func (q *Queue) Completions() <-chan Completion {
	return q.completions
}

// TryCompletion does a non-blocking read of the next completion, reporting
// ok=false if none is ready yet.
func (q *Queue) TryCompletion() (c Completion, ok bool) {
	select {
	case c = <-q.completions:
		return c, true
	default:
		return Completion{}, false
	}
}

// Cancel stops accepting new work, waits for in-flight workers to exit,
// then closes the completions channel. Per spec.md's async quiescence
// property (P8), no ioq operation remains in flight once Cancel returns;
// callers should drain any buffered completions with Drain afterward to
// release request-carried buffers.
func (q *Queue) Cancel() {
	q.cancel()
	close(q.requests)
	q.wg.Wait()
	close(q.completions)
}

// Drain discards every completion still buffered on the channel. Call
// after Cancel.
func (q *Queue) Drain() {
	for range q.completions {
	}
}
