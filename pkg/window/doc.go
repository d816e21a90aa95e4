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

// Package window implements tumbling event-time windows over trades.
//
// State is kept per instrument Key. Every key tracks the largest event time it has observed, a watermark
// trailing it by the allowed lateness, and a closed boundary below which no window is ever opened again.
// A window [start, end) is closed, emitted once and evicted as soon as the watermark of its key reaches end.
// Trades whose window start is below the closed boundary are dropped as late.
//
// Keys are spread over shards by a murmur3 hash; each shard has its own lock so that keys in different
// shards never contend.
package window
