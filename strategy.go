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

// dedupeWrapper implements FlagUnique (SPEC_FULL.md's supplemented
// -unique feature): an entry whose (dev, ino) identity has already been
// seen is pruned before the real Visitor ever gets a PRE call for it.
// mustStat (stat.go) forces a stat on every candidate when FlagUnique is
// set, so Dev/Ino are always populated by the time this runs.
func dedupeWrapper(v Visitor) Visitor {
	seen := make(map[[2]uint64]struct{})

	return func(ent *Entry) Action {
		if ent.visit == Pre {
			key := [2]uint64{ent.record.Dev, ent.record.Ino}
			if _, ok := seen[key]; ok {
				return Prune
			}
			seen[key] = struct{}{}
		}
		return v(ent)
	}
}

// runBoundedPasses drives repeated depth-bounded Engine runs for IDS and
// EDS (spec.md §2, §6): each pass explores no deeper than maxDepth
// (supplied by next), delivering every entry's real callback at most once
// (tracked in delivered/deliveredPost) regardless of how many passes touch
// it. A pass is the last one once it finds no directory sitting exactly at
// its depth ceiling — meaning nothing was held back from it, so a deeper
// pass could not discover anything new.
func runBoundedPasses(args WalkArgs, visitor Visitor, strategy Strategy, next func() int) error {
	delivered := make(map[string]bool)
	deliveredPost := make(map[string]bool)
	stopped := false

	for {
		maxDepth := next()
		bottomReached := true

		var inner Visitor
		inner = func(ent *Entry) Action {
			if stopped {
				return Stop
			}

			if ent.Visit() == Post {
				// A directory at the ceiling hasn't had all its children
				// visited yet in this pass (it was pruned below, or the
				// ceiling just happens to land on it); defer its POST to
				// whichever later pass first sees it strictly above the
				// ceiling.
				if ent.Depth() >= maxDepth || deliveredPost[ent.Path()] {
					return Continue
				}
				deliveredPost[ent.Path()] = true
				action := visitor(ent)
				if action == Stop {
					stopped = true
				}
				return action
			}

			if ent.Depth() == maxDepth && ent.Type() == TypeDirectory {
				bottomReached = false
				if !delivered[ent.Path()] {
					delivered[ent.Path()] = true
					if visitor(ent) == Stop {
						stopped = true
					}
				}
				return Prune
			}

			if delivered[ent.Path()] {
				return Continue
			}
			delivered[ent.Path()] = true
			action := visitor(ent)
			if action == Stop {
				stopped = true
			}
			return action
		}

		pass := args
		pass.Strategy = strategy
		pass.Visitor = inner

		e := newEngine(pass, inner)
		if err := e.run(); err != nil {
			return err
		}
		if stopped || bottomReached {
			return nil
		}
	}
}

// runIDS implements iterative deepening: successive bounded DFS passes at
// depth ceilings 0, 1, 2, ....
func runIDS(args WalkArgs, visitor Visitor) error {
	depth := -1
	return runBoundedPasses(args, visitor, DFS, func() int {
		depth++
		return depth
	})
}

// runEDS implements exponential deepening: successive bounded BFS passes
// at depth ceilings 1, 2, 4, 8, ..., doubling each round.
func runEDS(args WalkArgs, visitor Visitor) error {
	depth := 0
	first := true
	return runBoundedPasses(args, visitor, BFS, func() int {
		if first {
			first = false
			depth = 1
			return depth
		}
		depth *= 2
		return depth
	})
}
