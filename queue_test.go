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
	"testing"

	. "github.com/jacobsa/ogletest"
)

func TestQueue(t *testing.T) { RunTests(t) }

type QueueTest struct {
}

func init() { RegisterTestSuite(&QueueTest{}) }

func namedRecord(name string) *FileRecord {
	return newRecord(nil, nil, name, 0)
}

func (t *QueueTest) FIFOWithoutBuffering() {
	q := NewQueue(0)

	a, b, c := namedRecord("a"), namedRecord("b"), namedRecord("c")
	q.Push(a)
	q.Push(b)
	q.Push(c)

	for _, want := range []*FileRecord{a, b, c} {
		got, sync := q.Pop()
		ExpectEq(want, got)
		ExpectTrue(sync)
	}

	got, _ := q.Pop()
	ExpectEq(nil, got)
}

func (t *QueueTest) BufferRequiresFlushBeforePop() {
	q := NewQueue(QueueBuffer)
	q.Push(namedRecord("a"))

	ExpectFalse(q.BufferEmpty())
	ExpectTrue(q.WaitingEmpty())

	q.Flush()
	ExpectTrue(q.BufferEmpty())
	ExpectFalse(q.WaitingEmpty())
}

func (t *QueueTest) LIFOFlushReversesBufferedOrder() {
	q := NewQueue(QueueBuffer | QueueLIFO)

	a, b, c := namedRecord("a"), namedRecord("b"), namedRecord("c")
	q.Push(a)
	q.Push(b)
	q.Push(c)
	q.Flush()

	for _, want := range []*FileRecord{c, b, a} {
		got, _ := q.Pop()
		ExpectEq(want, got)
	}
}

func (t *QueueTest) DetachAttachRoundTrip() {
	q := NewQueue(0)

	r := namedRecord("a")
	q.Push(r)

	got, sync := q.Pop()
	ExpectEq(r, got)
	ExpectTrue(sync)
	ExpectTrue(q.WaitingEmpty())

	// The caller decided to hand r to the ioq rather than service it
	// inline.
	q.Detach(r, true)
	ExpectTrue(q.ReadyEmpty())

	// The ioq finished; r is now ready for a future Pop.
	q.Attach(r, true)
	ExpectFalse(q.ReadyEmpty())

	got, sync = q.Pop()
	ExpectEq(r, got)
	ExpectFalse(sync)
}

func (t *QueueTest) OrderedPopWaitsForAnInFlightEarlierSibling() {
	q := NewQueue(QueueOrder)

	a, b, c := namedRecord("a"), namedRecord("b"), namedRecord("c")
	q.Push(a)
	q.Push(b)
	q.Push(c)

	// a is popped first (synchronously) and the caller hands it to the ioq.
	got, sync := q.Pop()
	AssertEq(a, got)
	AssertTrue(sync)
	q.Detach(a, true)

	// b and c are both still sitting untouched in waiting, but nothing is
	// poppable: popping either would let it overtake a, which was pushed
	// first.
	next, _ := q.Pop()
	ExpectEq(nil, next)

	// a's async op completes; it's now the front of ready, no longer
	// in-flight.
	q.Attach(a, true)

	got, sync = q.Pop()
	ExpectEq(a, got)
	ExpectFalse(sync)

	got, sync = q.Pop()
	ExpectEq(b, got)
	ExpectTrue(sync)

	got, sync = q.Pop()
	ExpectEq(c, got)
	ExpectTrue(sync)
}

func (t *QueueTest) OrderedPopHandlesOutOfOrderCompletionOfALaterEntry() {
	q := NewQueue(QueueOrder)

	a, b := namedRecord("a"), namedRecord("b")
	q.Push(a)
	q.Push(b)

	gotA, sync := q.Pop()
	AssertEq(a, gotA)
	AssertTrue(sync)
	q.Detach(a, true)

	// b is still behind a and can't be reached yet, even once b's own
	// (hypothetical) async op would have finished first — b was never
	// popped, so it isn't even eligible to be detached out of turn.
	ExpectTrue(q.ReadyEmpty() == false) // a's placeholder still occupies ready's front.
	next, _ := q.Pop()
	ExpectEq(nil, next)

	q.Attach(a, true)

	gotA2, sync := q.Pop()
	ExpectEq(a, gotA2)
	ExpectFalse(sync)

	gotB, sync := q.Pop()
	ExpectEq(b, gotB)
	ExpectTrue(sync)
}

func (t *QueueTest) BalanceGatesAsync() {
	q := NewQueue(QueueBalance)
	ExpectTrue(q.CanAsync())

	r := namedRecord("a")
	q.Push(r) // balance -1
	ExpectFalse(q.CanAsync())

	got, sync := q.Pop()
	AssertEq(r, got)
	AssertTrue(sync)

	q.Skip(r) // balance +1
	ExpectTrue(q.CanAsync())
}
