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

package pipeline

import (
	"strconv"

	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/window"
)

// router assigns every instrument to one worker queue, so the trades of an instrument are ingested in
// arrival order by a single goroutine. Workers own whole engine shards and never contend on a shard lock.
type router struct {
	queues  []chan records.TradeRecord
	shardOf func(window.Key) int
}

func newRouter(workers, queueSize int, shardOf func(window.Key) int) *router {
	queues := make([]chan records.TradeRecord, workers)
	for i := range queues {
		queues[i] = make(chan records.TradeRecord, queueSize)
	}
	return &router{queues: queues, shardOf: shardOf}
}

// route returns the index of the queue of the trade's instrument
func (r *router) route(t records.TradeRecord) int {
	return r.shardOf(window.KeyOf(t)) % len(r.queues)
}

func (r *router) close() {
	for _, q := range r.queues {
		close(q)
	}
}

func workerLabel(i int) string {
	return strconv.Itoa(i)
}
