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

// Package bfstesting provides helpers for building throwaway directory
// trees and asserting on the set of paths a walk visits, in the style of
// github.com/jacobsa/fuse/fusetesting (which does the analogous job of
// matching FUSE-visible file attributes).
package bfstesting

import (
	"os"
	"path/filepath"
	"sort"
)

// Dir marks a BuildTree entry as a directory. Its zero value creates an
// empty directory; intermediate directories on the path to any entry are
// always created regardless.
type Dir struct{}

// Symlink marks a BuildTree entry as a symlink pointing at Target.
type Symlink struct {
	Target string
}

// BuildTree materializes a directory tree under root, given a map from
// slash-separated relative path to a description of what to create there:
// a string creates a regular file with that content, Dir creates a
// directory, and Symlink creates a symlink. Paths are created in sorted
// order, so a directory's entry need not precede its children's in the
// map (Go map iteration order is unspecified; sorting makes this
// deterministic and ensures a directory exists before anything inside it
// via MkdirAll).
func BuildTree(root string, spec map[string]interface{}) error {
	paths := make([]string, 0, len(spec))
	for p := range spec {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		full := filepath.Join(root, p)

		switch v := spec[p].(type) {
		case Dir:
			if err := os.MkdirAll(full, 0755); err != nil {
				return err
			}

		case Symlink:
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return err
			}
			if err := os.Symlink(v.Target, full); err != nil {
				return err
			}

		case string:
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(full, []byte(v), 0644); err != nil {
				return err
			}
		}
	}

	return nil
}
