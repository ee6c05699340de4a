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
)

// QueueFlags configures a Queue's behavior, per spec.md §4.3.
type QueueFlags int

const (
	// QueueBalance: offload work to the ioq only while the Queue's signed
	// balance counter is non-negative.
	QueueBalance QueueFlags = 1 << iota

	// QueueBuffer: Push lands in the buffer stage; Flush moves buffer to
	// waiting (and to ready too, when QueueOrder is set).
	QueueBuffer

	// QueueLIFO: Flush prepends buffer entries onto waiting instead of
	// appending them (used by the DFS strategy).
	QueueLIFO

	// QueueOrder guarantees Pop returns entries in the same order they were
	// pushed (or flushed), even when some of them are resolved
	// asynchronously out of order: per spec.md §4.3, "entries are appended
	// to ready in the same position they are appended to waiting, so async
	// completion does not reorder". Push/Flush mirror every entry into
	// ready immediately, in push order; Detach reinserts a record at
	// ready's front (rather than leaving a gap) so Pop blocks on it instead
	// of skipping ahead to a sibling that happened to finish first.
	QueueOrder
)

// Queue is the three-stage (buffer, waiting, ready) traversal queue
// described in spec.md §4.3. One Engine owns two independent Queues: the
// directory queue and the file queue, each with its own flags.
type Queue struct {
	mu syncutil.InvariantMutex

	flags   QueueFlags
	balance int

	bufFront, bufBack   *FileRecord
	waitFront, waitBack *FileRecord
	readyFront, readyBack *FileRecord

	bufLen, waitLen, readyLen int
}

// NewQueue creates a Queue with the given flags.
func NewQueue(flags QueueFlags) *Queue {
	q := &Queue{flags: flags}
	q.mu = syncutil.NewInvariantMutex(q.checkInvariants)
	return q
}

func (q *Queue) checkInvariants() {
	if n := listLen(q.bufFront, q.bufBack, bufHooks); n != q.bufLen {
		panic(fmt.Sprintf("buffer stage length %d, tracked %d", n, q.bufLen))
	}
	if n := listLen(q.waitFront, q.waitBack, waitHooks); n != q.waitLen {
		panic(fmt.Sprintf("waiting stage length %d, tracked %d", n, q.waitLen))
	}
	if n := listLen(q.readyFront, q.readyBack, readyHooksAccessor); n != q.readyLen {
		panic(fmt.Sprintf("ready stage length %d, tracked %d", n, q.readyLen))
	}
}

// hookAccessor abstracts over which prev/next field pair a list walk uses,
// since buffer and waiting reuse the same hooks (a record is never in both
// at once) while ready uses its own pair.
type hookAccessor struct {
	next func(*FileRecord) *FileRecord
	prev func(*FileRecord) *FileRecord
	setNext func(*FileRecord, *FileRecord)
	setPrev func(*FileRecord, *FileRecord)
}

var bufHooks = hookAccessor{
	next:    func(r *FileRecord) *FileRecord { return r.queueNext },
	prev:    func(r *FileRecord) *FileRecord { return r.queuePrev },
	setNext: func(r, v *FileRecord) { r.queueNext = v },
	setPrev: func(r, v *FileRecord) { r.queuePrev = v },
}

var waitHooks = bufHooks

var readyHooksAccessor = hookAccessor{
	next:    func(r *FileRecord) *FileRecord { return r.readyNext },
	prev:    func(r *FileRecord) *FileRecord { return r.readyPrev },
	setNext: func(r, v *FileRecord) { r.readyNext = v },
	setPrev: func(r, v *FileRecord) { r.readyPrev = v },
}

func listLen(front, back *FileRecord, h hookAccessor) int {
	n := 0
	var prev *FileRecord
	for r := front; r != nil; r = h.next(r) {
		if h.prev(r) != prev {
			panic("broken list backlink")
		}
		prev = r
		n++
	}
	if prev != back {
		panic("list back pointer inconsistent with forward walk")
	}
	return n
}

func appendLocked(front, back **FileRecord, n *int, r *FileRecord, h hookAccessor) {
	h.setPrev(r, *back)
	h.setNext(r, nil)
	if *back != nil {
		h.setNext(*back, r)
	} else {
		*front = r
	}
	*back = r
	*n++
}

// prependLocked inserts r at the front of the list, for QueueOrder's
// Detach, which needs to reoccupy a record's slot rather than appending to
// the tail, and for a QueueLIFO Flush.
func prependLocked(front, back **FileRecord, n *int, r *FileRecord, h hookAccessor) {
	h.setNext(r, *front)
	h.setPrev(r, nil)
	if *front != nil {
		h.setPrev(*front, r)
	} else {
		*back = r
	}
	*front = r
	*n++
}

func removeLocked(front, back **FileRecord, n *int, r *FileRecord, h hookAccessor) {
	if h.prev(r) != nil {
		h.setNext(h.prev(r), h.next(r))
	} else {
		*front = h.next(r)
	}
	if h.next(r) != nil {
		h.setPrev(h.next(r), h.prev(r))
	} else {
		*back = h.prev(r)
	}
	h.setPrev(r, nil)
	h.setNext(r, nil)
	*n--
}

// rebalanceLocked adjusts the balance counter. Callers must hold q.mu.
func (q *Queue) rebalanceLocked(delta int) {
	q.balance += delta
}

// Rebalance adjusts the signed balance counter directly: +1 when the
// caller just serviced an entry synchronously on the main thread (a skip,
// or a main-thread stat), per spec.md §4.3.
func (q *Queue) Rebalance(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rebalanceLocked(delta)
}

// CanAsync reports whether the ioq may be given more work from this queue
// right now. When QueueBalance is not set, offloading is always permitted.
func (q *Queue) CanAsync() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flags&QueueBalance == 0 {
		return true
	}
	return q.balance >= 0
}

// Push appends r to the buffer stage if QueueBuffer is set, else directly
// to the waiting stage — and, when QueueOrder is set, also immediately to
// the tail of ready, reserving r's slot in pop order before anything about
// its eventual classification is known. Pushing shifts the balance counter
// by -1 per spec.md §4.3.
func (q *Queue) Push(r *FileRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.flags&QueueBuffer != 0 {
		appendLocked(&q.bufFront, &q.bufBack, &q.bufLen, r, bufHooks)
	} else {
		appendLocked(&q.waitFront, &q.waitBack, &q.waitLen, r, waitHooks)
		if q.flags&QueueOrder != 0 {
			appendLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
		}
	}
	q.rebalanceLocked(-1)
}

// Flush moves the buffer stage to waiting: appended at its tail in push
// order, or, when QueueLIFO is set, prepended one entry at a time so the
// batch lands at waiting's front in reverse order. When QueueOrder is set,
// ready receives the same entries at the same end in the same order.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.bufFront == nil {
		return
	}

	var items []*FileRecord
	for r := q.bufFront; r != nil; {
		next := r.queueNext
		r.queuePrev, r.queueNext = nil, nil
		items = append(items, r)
		r = next
	}
	q.bufFront, q.bufBack = nil, nil
	q.bufLen = 0

	for _, r := range items {
		if q.flags&QueueLIFO != 0 {
			prependLocked(&q.waitFront, &q.waitBack, &q.waitLen, r, waitHooks)
			if q.flags&QueueOrder != 0 {
				prependLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
			}
			continue
		}
		appendLocked(&q.waitFront, &q.waitBack, &q.waitLen, r, waitHooks)
		if q.flags&QueueOrder != 0 {
			appendLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
		}
	}
}

// Pop requires the buffer stage to be empty (call Flush first).
//
// Without QueueOrder, it prefers the ready stage (entries whose async op
// has already completed) over waiting, so completed work is drained before
// anything new is started; otherwise it pops from waiting, which implies
// the caller must service the entry itself — synchronously, or by handing
// it to the ioq and calling Detach. The second return value reports which
// case happened.
//
// With QueueOrder, see popOrderedLocked.
func (q *Queue) Pop() (r *FileRecord, synchronous bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.bufFront != nil {
		panic("Pop called with a non-empty buffer stage; call Flush first")
	}

	if q.flags&QueueOrder != 0 {
		return q.popOrderedLocked()
	}

	if q.readyFront != nil {
		r = q.readyFront
		removeLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
		return r, false
	}

	if q.waitFront == nil {
		return nil, false
	}

	r = q.waitFront
	removeLocked(&q.waitFront, &q.waitBack, &q.waitLen, r, waitHooks)
	return r, true
}

// popOrderedLocked implements QueueOrder's pop-order-equals-push-order
// guarantee. Push/Flush mirror every entry into ready at push time, so
// ready's front is always the earliest outstanding entry regardless of
// whether it has been detached for async work:
//
//   - if it is still sitting there unmodified (ioqueued false, wasAsync
//     false), it has never been touched by the ioq; Pop removes it from
//     both ready and waiting and returns synchronous=true, so the caller
//     decides whether to service it inline or hand it to the ioq.
//   - if it is mid-flight (ioqueued true — Detach moved it back to
//     ready's front as a placeholder), nothing is poppable: returning
//     anything from behind it would let a later sibling overtake it.
//   - if it has completed (ioqueued false, wasAsync true — Attach cleared
//     the flag in place), Pop removes it from ready and returns
//     synchronous=false; Detach already removed it from waiting.
//
// Callers must hold q.mu.
func (q *Queue) popOrderedLocked() (r *FileRecord, synchronous bool) {
	if q.readyFront == nil {
		return nil, false
	}

	r = q.readyFront
	if r.ioqueued {
		return nil, false
	}

	removeLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
	if r.wasAsync {
		return r, false
	}

	removeLocked(&q.waitFront, &q.waitBack, &q.waitLen, r, waitHooks)
	return r, true
}

// PeekWaiting returns the head of the waiting stage without removing it.
func (q *Queue) PeekWaiting() *FileRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitFront
}

// PeekReady returns the head of the ready stage without removing it.
func (q *Queue) PeekReady() *FileRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyFront
}

// Detach records that r (already removed from this queue by a Pop that
// returned synchronous == true) has an async operation in flight on it.
// Under QueueOrder, r is reinserted at ready's front as an in-flight
// placeholder so Pop refuses to hand out anything behind it until Attach
// clears it (see popOrderedLocked); without QueueOrder this is pure
// bookkeeping, and r reappears wherever Attach happens to put it. async=true
// shifts the balance counter by -1, per spec.md §4.3.
func (q *Queue) Detach(r *FileRecord, async bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r.ioqueued = true
	r.wasAsync = true
	if q.flags&QueueOrder != 0 {
		prependLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
	}
	if async {
		q.rebalanceLocked(-1)
	}
}

// Attach clears r's in-flight marker. Under QueueOrder, r is already
// sitting at ready's front (placed there by Detach); clearing ioqueued is
// all that's needed to unblock Pop. Without QueueOrder, r is appended to
// ready's tail, in whatever order its async operation happened to complete
// in. async=true shifts the balance counter by +1, offsetting the Detach
// that preceded it.
func (q *Queue) Attach(r *FileRecord, async bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r.ioqueued = false
	if q.flags&QueueOrder == 0 {
		appendLocked(&q.readyFront, &q.readyBack, &q.readyLen, r, readyHooksAccessor)
	}
	if async {
		q.rebalanceLocked(1)
	}
}

// Skip is a synchronous detach+attach: the caller services r itself
// (rather than handing it to the ioq). Its own Detach and Attach are
// synchronous and leave the balance counter alone, so the net shift is the
// +1 of its final Rebalance (an async Detach/Attach pair, at -1/+1, nets
// zero).
func (q *Queue) Skip(r *FileRecord) {
	q.Detach(r, false)
	q.Attach(r, false)
	q.Rebalance(1)
}

// BufferEmpty, WaitingEmpty, ReadyEmpty and Empty report on each stage.
func (q *Queue) BufferEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bufFront == nil
}

func (q *Queue) WaitingEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitFront == nil
}

func (q *Queue) ReadyEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyFront == nil
}

func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bufFront == nil && q.waitFront == nil && q.readyFront == nil
}
