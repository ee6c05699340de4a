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

package bfstesting

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/jacobsa/oglematchers"
	"github.com/kylelemons/godebug/pretty"
)

// HasSamePaths matches a []string (e.g. a test's accumulated list of
// visited paths) containing exactly the elements of expected, in any
// order.
func HasSamePaths(expected []string) oglematchers.Matcher {
	want := append([]string(nil), expected...)
	sort.Strings(want)

	return oglematchers.NewMatcher(
		func(c interface{}) error { return hasSamePaths(c, want) },
		fmt.Sprintf("has the same paths as %v", want))
}

func hasSamePaths(c interface{}, want []string) error {
	got, ok := c.([]string)
	if !ok {
		return fmt.Errorf("which is of type %v", reflect.TypeOf(c))
	}

	got = append([]string(nil), got...)
	sort.Strings(got)

	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("which contains:\n%s", pretty.Compare(want, got))
	}

	return nil
}
