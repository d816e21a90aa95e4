/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package window

import "sort"

// sortedWindows is the list of open windows of one key, sorted by start time from lowest to highest.
// It is not thread safe, the shard lock guards it.
type sortedWindows struct {
	windows []*Accumulator
}

// insertIfNotPresent returns the window starting at start, creating it if it is not present.
func (s *sortedWindows) insertIfNotPresent(start, end int64) (*Accumulator, bool) {
	index := sort.Search(len(s.windows), func(i int) bool {
		return s.windows[i].Start >= start
	})
	if index < len(s.windows) && s.windows[index].Start == start {
		return s.windows[index], true
	}
	acc := newAccumulator(start, end)
	s.windows = append(s.windows, nil)
	copy(s.windows[index+1:], s.windows[index:])
	s.windows[index] = acc
	return acc, false
}

// removeBefore removes and returns, in ascending order, every window whose end is at or before watermark.
func (s *sortedWindows) removeBefore(watermark int64) []*Accumulator {
	index := sort.Search(len(s.windows), func(i int) bool {
		return s.windows[i].End > watermark
	})
	if index == 0 {
		return nil
	}
	closed := make([]*Accumulator, index)
	copy(closed, s.windows[:index])
	s.windows = append(s.windows[:0], s.windows[index:]...)
	return closed
}

// removeAll removes and returns every window in ascending order.
func (s *sortedWindows) removeAll() []*Accumulator {
	closed := s.windows
	s.windows = nil
	return closed
}

func (s *sortedWindows) len() int {
	return len(s.windows)
}

// front returns the earliest open window.
func (s *sortedWindows) front() *Accumulator {
	if len(s.windows) == 0 {
		return nil
	}
	return s.windows[0]
}
