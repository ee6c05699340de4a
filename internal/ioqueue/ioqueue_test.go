package ioqueue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/bfs/internal/dirbuf"
)

func TestStatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "f")
	if err := os.WriteFile(f, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	q := New(2)
	defer func() {
		q.Cancel()
		q.Drain()
	}()

	var st unix.Stat_t
	q.Submit(Request{
		Kind:    Stat,
		Tag:     "f",
		AtFD:    unix.AT_FDCWD,
		Name:    f,
		StatOut: &st,
	})

	select {
	case c := <-q.Completions():
		if c.Err != nil {
			t.Fatalf("Stat completion error: %v", c.Err)
		}
		if c.Req.Tag != "f" {
			t.Fatalf("got tag %v, want %q", c.Req.Tag, "f")
		}
		if st.Size != 5 {
			t.Fatalf("got size %d, want 5", st.Size)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestOpenDirRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	q := New(1)
	defer func() {
		q.Cancel()
		q.Drain()
	}()

	var d *dirbuf.Dir
	q.Submit(Request{
		Kind:   OpenDir,
		Tag:    "root",
		AtFD:   unix.AT_FDCWD,
		Name:   dir,
		DirOut: &d,
	})

	select {
	case c := <-q.Completions():
		if c.Err != nil {
			t.Fatalf("OpenDir completion error: %v", c.Err)
		}
		if d == nil {
			t.Fatal("DirOut was never populated")
		}
		defer d.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestTryCompletionNonBlocking(t *testing.T) {
	q := New(1)
	defer func() {
		q.Cancel()
		q.Drain()
	}()

	if _, ok := q.TryCompletion(); ok {
		t.Fatal("expected no completion to be ready yet")
	}
}

func TestUnrecognizedKindReturnsError(t *testing.T) {
	q := New(1)
	defer func() {
		q.Cancel()
		q.Drain()
	}()

	q.Submit(Request{Kind: Kind(99), Tag: "bad"})

	select {
	case c := <-q.Completions():
		if c.Err == nil {
			t.Fatal("expected an error for an unrecognized kind")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestCloseRequest(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "f"))
	if err != nil {
		t.Fatal(err)
	}

	q := New(1)
	defer func() {
		q.Cancel()
		q.Drain()
	}()

	q.Submit(Request{Kind: Close, Tag: "f", Closer: f})

	select {
	case c := <-q.Completions():
		if c.Err != nil {
			t.Fatalf("Close completion error: %v", c.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestCancelStopsAcceptingWork(t *testing.T) {
	q := New(1)
	q.Cancel()
	q.Drain()

	// Completions channel must be closed after Cancel+Drain.
	_, ok := <-q.Completions()
	if ok {
		t.Fatal("expected completions channel to be closed")
	}
}

func TestStatMissingFileReturnsError(t *testing.T) {
	dir := t.TempDir()

	q := New(1)
	defer func() {
		q.Cancel()
		q.Drain()
	}()

	var st unix.Stat_t
	q.Submit(Request{
		Kind:    Stat,
		Tag:     "missing",
		AtFD:    unix.AT_FDCWD,
		Name:    filepath.Join(dir, "nope"),
		StatOut: &st,
	})

	select {
	case c := <-q.Completions():
		if !errors.Is(c.Err, unix.ENOENT) {
			t.Fatalf("got err %v, want ENOENT", c.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
