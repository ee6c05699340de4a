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
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/jacobsa/ogletest"
	"golang.org/x/sys/unix"

	"github.com/jacobsa/bfs/bfstesting"
)

func TestWalk(t *testing.T) { RunTests(t) }

type WalkTest struct {
	dir string
}

func init() { RegisterTestSuite(&WalkTest{}) }

func (t *WalkTest) SetUp(ti *TestInfo) {
	dir, err := os.MkdirTemp("", "bfs_walk_test")
	AssertEq(nil, err)
	t.dir = dir
}

func (t *WalkTest) TearDown() {
	os.RemoveAll(t.dir)
}

// rel strips t.dir (and a leading separator) from an absolute path, so
// assertions can be written in terms of the tree passed to BuildTree.
func (t *WalkTest) rel(p string) string {
	rel := strings.TrimPrefix(p, t.dir)
	return strings.TrimPrefix(rel, string(filepath.Separator))
}

func (t *WalkTest) BFSVisitsEveryEntry() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a":       bfstesting.Dir{},
		"a/b":     "hello",
		"a/c":     bfstesting.Dir{},
		"a/c/d":   "world",
		"e":       "top-level file",
	}))

	var got []string
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Visitor: func(ent *Entry) Action {
			got = append(got, t.rel(ent.Path()))
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectThat(got, bfstesting.HasSamePaths([]string{
		"", "a", "e", "a/b", "a/c", "a/c/d",
	}))
}

func (t *WalkTest) DFSVisitsEveryEntry() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a":     bfstesting.Dir{},
		"a/b":   "hello",
		"a/c":   bfstesting.Dir{},
		"a/c/d": "world",
	}))

	var got []string
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: DFS,
		Visitor: func(ent *Entry) Action {
			got = append(got, t.rel(ent.Path()))
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectThat(got, bfstesting.HasSamePaths([]string{
		"", "a", "a/b", "a/c", "a/c/d",
	}))
}

func (t *WalkTest) PrunedDirectorySkipsChildren() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a":     bfstesting.Dir{},
		"a/b":   "hello",
		"skip":  bfstesting.Dir{},
		"skip/c": "world",
	}))

	var got []string
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Visitor: func(ent *Entry) Action {
			got = append(got, t.rel(ent.Path()))
			if strings.HasSuffix(ent.Path(), "skip") {
				return Prune
			}
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectThat(got, bfstesting.HasSamePaths([]string{
		"", "a", "skip", "a/b",
	}))
}

func (t *WalkTest) StopEndsWalkEarlyWithNoError() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a": "hello",
		"b": "world",
	}))

	n := 0
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Visitor: func(ent *Entry) Action {
			n++
			if ent.Path() == t.dir {
				return Continue
			}
			return Stop
		},
	})

	AssertEq(nil, err)
	ExpectEq(2, n) // root, then exactly one child before stopping.
}

func (t *WalkTest) PostOrderFiresAfterChildren() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a":     bfstesting.Dir{},
		"a/b":   "hello",
		"a/c":   "world",
	}))

	var preA, postA, preB, preC bool
	var postBeforePreChildren bool

	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Flags:    FlagPostOrder,
		Visitor: func(ent *Entry) Action {
			name := t.rel(ent.Path())
			if name == "a" && ent.Visit() == Pre {
				preA = true
			}
			if name == "a" && ent.Visit() == Post {
				postA = true
				if !preB || !preC {
					postBeforePreChildren = true
				}
			}
			if name == "a/b" {
				preB = true
			}
			if name == "a/c" {
				preC = true
			}
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectTrue(preA)
	ExpectTrue(postA)
	ExpectFalse(postBeforePreChildren)
}

func (t *WalkTest) DetectCyclesSurfacesELOOPThroughSymlink() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a": bfstesting.Dir{},
	}))
	AssertEq(nil, os.Symlink(".", filepath.Join(t.dir, "a", "loop")))

	var sawError bool
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Flags:    FlagDetectCycles | FlagFollowAll,
		Visitor: func(ent *Entry) Action {
			if ent.Err() == unix.ELOOP {
				sawError = true
			}
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectTrue(sawError)
}

func (t *WalkTest) UniqueDedupesHardLinkedEntries() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a": "hello",
	}))
	AssertEq(nil, os.Link(filepath.Join(t.dir, "a"), filepath.Join(t.dir, "b")))

	var got []string
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Flags:    FlagUnique | FlagStat,
		Visitor: func(ent *Entry) Action {
			got = append(got, t.rel(ent.Path()))
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectEq(2, len(got)) // root + exactly one of the two hard-linked names.
}

func (t *WalkTest) MultipleRootsVisitedAsSiblings() {
	dirA := filepath.Join(t.dir, "root-a")
	dirB := filepath.Join(t.dir, "root-b")
	AssertEq(nil, os.Mkdir(dirA, 0755))
	AssertEq(nil, os.Mkdir(dirB, 0755))

	var got []string
	err := Walk(WalkArgs{
		Paths:    []string{dirA, dirB},
		Strategy: BFS,
		Visitor: func(ent *Entry) Action {
			got = append(got, ent.Path())
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectThat(got, bfstesting.HasSamePaths([]string{dirA, dirB}))
}

func (t *WalkTest) RecoverSurfacesErrorAndContinues() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a":   bfstesting.Dir{},
		"a/b": "hello",
		"c":   "world",
	}))
	AssertEq(nil, os.Chmod(filepath.Join(t.dir, "a"), 0))
	defer os.Chmod(filepath.Join(t.dir, "a"), 0755)

	var sawErr bool
	var sawC bool
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Flags:    FlagRecover,
		Visitor: func(ent *Entry) Action {
			if ent.Err() != nil {
				sawErr = true
			}
			if t.rel(ent.Path()) == "c" {
				sawC = true
			}
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectTrue(sawErr)
	ExpectTrue(sawC)
}

func (t *WalkTest) SortVisitsSiblingsInNameOrder() {
	AssertEq(nil, bfstesting.BuildTree(t.dir, map[string]interface{}{
		"a":   bfstesting.Dir{},
		"a/x": "x",
		"a/m": "m",
		"a/z": "z",
	}))

	var got []string
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Strategy: BFS,
		Flags:    FlagSort,
		Visitor: func(ent *Entry) Action {
			rel := t.rel(ent.Path())
			if rel == "a/x" || rel == "a/m" || rel == "a/z" {
				got = append(got, rel)
			}
			return Continue
		},
	})

	AssertEq(nil, err)
	AssertEq(3, len(got))
	ExpectEq("a/m", got[0])
	ExpectEq("a/x", got[1])
	ExpectEq("a/z", got[2])
}

func (t *WalkTest) RecoversFromRootPathLongerThanPATHMAX() {
	const depth = 300
	const segment = "abcdefghijklmnopqrst" // 20 bytes, well under NAME_MAX.

	orig, err := os.Getwd()
	AssertEq(nil, err)
	defer os.Chdir(orig)

	AssertEq(nil, os.Chdir(t.dir))
	for i := 0; i < depth; i++ {
		AssertEq(nil, os.Mkdir(segment, 0755))
		AssertEq(nil, os.Chdir(segment))
	}
	AssertEq(nil, os.WriteFile("leaf", []byte("x"), 0644))

	segments := make([]string, depth)
	for i := range segments {
		segments[i] = segment
	}
	longRoot := t.dir + "/" + strings.Join(segments, "/")
	AssertTrue(len(longRoot) > 4096) // otherwise this test isn't exercising ENAMETOOLONG at all.

	var sawLeaf bool
	err = Walk(WalkArgs{
		Paths:    []string{longRoot},
		Strategy: BFS,
		Visitor: func(ent *Entry) Action {
			if strings.HasSuffix(ent.Path(), "leaf") {
				sawLeaf = true
			}
			return Continue
		},
	})

	AssertEq(nil, err)
	ExpectTrue(sawLeaf)
}

func (t *WalkTest) ValidationRejectsMissingVisitor() {
	err := Walk(WalkArgs{Paths: []string{t.dir}})
	AssertNe(nil, err)
	ExpectTrue(strings.Contains(err.Error(), "Visitor"))
}

func (t *WalkTest) ValidationRejectsEmptyPaths() {
	err := Walk(WalkArgs{Visitor: func(*Entry) Action { return Continue }})
	AssertNe(nil, err)
	ExpectTrue(strings.Contains(err.Error(), "Paths"))
}

func (t *WalkTest) ValidationRejectsFollowAllWithoutDetectCycles() {
	err := Walk(WalkArgs{
		Paths:    []string{t.dir},
		Flags:    FlagFollowAll,
		Visitor:  func(*Entry) Action { return Continue },
	})
	AssertNe(nil, err)
	ExpectTrue(strings.Contains(err.Error(), "FlagFollowAll"))
}
