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

// buildPath implements the incremental path reconstruction described in
// spec.md §4.4.c: rather than walking all the way to the root on every
// visit, it finds the nearest common ancestor between r and the
// previously-built path and only rewrites the differing suffix.
//
// NameOffset/NameLength (set once, at record creation, by newRecord) give
// every ancestor a fixed home in the shared buffer, so "rewrite" here is
// just "copy the name bytes back in and drop in a separator where one was
// reserved" — the common prefix is already sitting in the buffer from the
// previous call and never needs to be touched.
func (e *Engine) buildPath(r *FileRecord) string {
	common := nearestCommonAncestor(e.previous, r)

	needed := r.NameOffset + r.NameLength
	if cap(e.pathBuf) < needed {
		grown := make([]byte, needed)
		copy(grown, e.pathBuf)
		e.pathBuf = grown
	}
	e.pathBuf = e.pathBuf[:needed]

	var chain []*FileRecord
	for x := r; x != nil && x != common; x = x.Parent {
		chain = append(chain, x)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		x := chain[i]
		if x.Parent != nil {
			parentEnd := x.Parent.NameOffset + x.Parent.NameLength
			if x.NameOffset == parentEnd+1 {
				e.pathBuf[x.NameOffset-1] = '/'
			}
		}
		copy(e.pathBuf[x.NameOffset:x.NameOffset+x.NameLength], x.Name)
	}

	e.previous = r
	return string(e.pathBuf[:needed])
}

// nearestCommonAncestor walks both chains up to equal depth, then together,
// until the pointers coincide (or both run out, meaning different roots —
// in that case the "common ancestor" is nil and the whole chain down to r
// gets rewritten, which is correct, just not optimized).
func nearestCommonAncestor(a, b *FileRecord) *FileRecord {
	if a == nil {
		return nil
	}

	for a.Depth > b.Depth {
		a = a.Parent
	}
	for b.Depth > a.Depth {
		b = b.Parent
	}
	for a != b {
		a = a.Parent
		b = b.Parent
	}
	return a
}
