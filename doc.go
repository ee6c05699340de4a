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

// Package bfs implements the traversal core of a breadth-first filesystem
// walker: given a set of starting paths and a visitor callback, it
// enumerates every reachable filesystem entry exactly once (twice, with a
// pre- and a post-order visit, when requested) and invokes the callback
// with a rich per-entry descriptor.
//
// The primary elements of interest are:
//
//   - Walk, the entry point, which accepts a WalkArgs and drives one of four
//     strategies (BFS, DFS, iterative deepening, exponential deepening)
//     over the engine.
//
//   - Visitor, the callback signature, and the Action values (Continue,
//     Prune, Stop) it may return.
//
//   - Entry, the per-call descriptor handed to the visitor, which exposes
//     lazily-faulted stat/lstat accessors.
//
// Everything outside of traversal itself — expression evaluation, output
// formatting, mount-table parsing, user/group lookups, and action execution
// — is left to the caller; this package only walks the tree.
package bfs
