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

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/records"
	"github.com/numaproj/tradewatch/pkg/shared/logging"
)

// Outcome tells what Ingest did with a trade.
type Outcome int

const (
	// Accepted means the trade was added to an open window.
	Accepted Outcome = iota
	// Late means the window of the trade was already closed and the trade was dropped.
	Late
	// Duplicate means the trade was already added to its window.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Late:
		return "late"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

const (
	reasonWatermark = "watermark"
	reasonIdle      = "idle"
	reasonFlush     = "flush"
)

// keyState is the window state of one instrument.
type keyState struct {
	windows      sortedWindows
	maxEventTime int64
	watermark    int64
	// windows ending at or before closedBoundary are closed and are never opened again
	closedBoundary int64
	lastActivity   time.Time
}

func newKeyState(now time.Time) *keyState {
	return &keyState{
		maxEventTime:   math.MinInt64,
		watermark:      math.MinInt64,
		closedBoundary: math.MinInt64,
		lastActivity:   now,
	}
}

type shard struct {
	lock sync.Mutex
	keys map[Key]*keyState
}

// Stats is a point in time view of the engine counters.
type Stats struct {
	Accepted    int64
	LateDropped int64
	Duplicates  int64
	Emitted     int64
	OpenWindows int64
	Keys        int64
}

// Engine assigns trades to tumbling windows and closes them as the watermark of their key advances.
// Ingest is safe for concurrent use. Trades of one key should be ingested in arrival order by a single
// goroutine at a time for the watermark to be meaningful, the lock only guarantees consistency.
type Engine struct {
	opts       *options
	sizeMs     int64
	latenessMs int64
	shards     []*shard
	log        *zap.SugaredLogger

	accepted    *atomic.Int64
	lateDropped *atomic.Int64
	duplicates  *atomic.Int64
	emitted     *atomic.Int64
	open        *atomic.Int64
	keys        *atomic.Int64
}

// NewEngine returns a windowing engine.
func NewEngine(inputOpts ...Option) (*Engine, error) {
	opts := defaultOptions()
	for _, o := range inputOpts {
		if err := o(opts); err != nil {
			return nil, err
		}
	}
	if opts.size < time.Millisecond {
		return nil, fmt.Errorf("window size must be at least 1ms, got %v", opts.size)
	}
	if opts.allowedLateness < 0 {
		return nil, fmt.Errorf("allowed lateness can not be negative, got %v", opts.allowedLateness)
	}
	if opts.shards <= 0 {
		return nil, fmt.Errorf("number of shards must be positive, got %d", opts.shards)
	}
	if opts.idleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout can not be negative, got %v", opts.idleTimeout)
	}
	if opts.sweepInterval <= 0 {
		opts.sweepInterval = opts.idleTimeout / 2
	}
	if opts.sweepInterval <= 0 {
		opts.sweepInterval = opts.idleTimeout
	}
	if opts.logger == nil {
		opts.logger = logging.NewLogger()
	}
	e := &Engine{
		opts:        opts,
		sizeMs:      millis(opts.size),
		latenessMs:  millis(opts.allowedLateness),
		shards:      make([]*shard, opts.shards),
		log:         opts.logger.Named("window"),
		accepted:    atomic.NewInt64(0),
		lateDropped: atomic.NewInt64(0),
		duplicates:  atomic.NewInt64(0),
		emitted:     atomic.NewInt64(0),
		open:        atomic.NewInt64(0),
		keys:        atomic.NewInt64(0),
	}
	for i := range e.shards {
		e.shards[i] = &shard{keys: make(map[Key]*keyState)}
	}
	return e, nil
}

// ShardOf returns the shard index a key is stored in. Callers fanning trades out to workers can use it
// so that a worker only ever touches its own shards.
func (e *Engine) ShardOf(k Key) int {
	h := murmur3.Sum32([]byte(k.String()))
	return int(h % uint32(len(e.shards)))
}

func (e *Engine) shardFor(k Key) *shard {
	return e.shards[e.ShardOf(k)]
}

// Ingest adds the trade to its window and returns the windows of the trade's key that the resulting
// watermark closed, in ascending order of window end.
func (e *Engine) Ingest(t records.TradeRecord) ([]records.WindowResult, Outcome) {
	k := KeyOf(t)
	sh := e.shardFor(k)
	sh.lock.Lock()
	defer sh.lock.Unlock()

	st, ok := sh.keys[k]
	if !ok {
		st = newKeyState(e.opts.clock.Now())
		sh.keys[k] = st
		e.keys.Inc()
	}
	st.lastActivity = e.opts.clock.Now()

	start := Start(t.EventTime, e.sizeMs)
	if start < st.closedBoundary {
		e.lateDropped.Inc()
		lateDroppedCount.WithLabelValues(k.Exchange, k.Symbol).Inc()
		e.log.Warnw("Dropping late trade",
			zap.String("key", k.String()),
			zap.String("tradeID", t.TradeID),
			zap.Int64("eventTime", t.EventTime),
			zap.Int64("watermark", st.watermark),
			zap.Int64("closedBoundary", st.closedBoundary))
		return nil, Late
	}

	outcome := Accepted
	acc, existed := st.windows.insertIfNotPresent(start, start+e.sizeMs)
	if !existed {
		e.open.Inc()
		openWindows.Inc()
	}
	if acc.add(t) {
		e.accepted.Inc()
	} else {
		outcome = Duplicate
		e.duplicates.Inc()
		duplicateCount.WithLabelValues(k.Exchange, k.Symbol).Inc()
	}

	// a duplicate still carries a valid event time, advancing on it keeps replays deterministic
	if t.EventTime > st.maxEventTime {
		st.maxEventTime = t.EventTime
		if wm := t.EventTime - e.latenessMs; wm > st.watermark {
			st.watermark = wm
		}
	}
	return e.closeUpTo(k, st, st.watermark, reasonWatermark), outcome
}

// closeUpTo closes every window of the key ending at or before watermark and advances the closed boundary.
func (e *Engine) closeUpTo(k Key, st *keyState, watermark int64, reason string) []records.WindowResult {
	if watermark != math.MinInt64 {
		if b := Start(watermark, e.sizeMs); b > st.closedBoundary {
			st.closedBoundary = b
		}
	}
	return e.emit(k, st, st.windows.removeBefore(watermark), reason)
}

func (e *Engine) emit(k Key, st *keyState, closed []*Accumulator, reason string) []records.WindowResult {
	if len(closed) == 0 {
		return nil
	}
	results := make([]records.WindowResult, 0, len(closed))
	for _, acc := range closed {
		if acc.End > st.closedBoundary {
			st.closedBoundary = acc.End
		}
		results = append(results, acc.Result(k))
	}
	n := int64(len(closed))
	e.open.Sub(n)
	openWindows.Sub(float64(n))
	e.emitted.Add(n)
	emittedCount.WithLabelValues(k.Exchange, k.Symbol, reason).Add(float64(n))
	return results
}

// Sweep force closes the open windows of every key that has not seen a trade for the idle timeout.
// The key keeps its closed boundary, so the swept windows are never opened again.
func (e *Engine) Sweep(now time.Time) []records.WindowResult {
	if e.opts.idleTimeout <= 0 {
		return nil
	}
	var results []records.WindowResult
	for _, sh := range e.shards {
		sh.lock.Lock()
		for k, st := range sh.keys {
			if st.windows.len() == 0 || now.Sub(st.lastActivity) < e.opts.idleTimeout {
				continue
			}
			swept := e.emit(k, st, st.windows.removeAll(), reasonIdle)
			e.log.Debugw("Closed windows of idle key", zap.String("key", k.String()), zap.Int("windows", len(swept)))
			results = append(results, swept...)
		}
		sh.lock.Unlock()
	}
	sortResults(results)
	return results
}

// Flush force closes every open window and returns the results.
func (e *Engine) Flush() []records.WindowResult {
	var results []records.WindowResult
	for _, sh := range e.shards {
		sh.lock.Lock()
		for k, st := range sh.keys {
			results = append(results, e.emit(k, st, st.windows.removeAll(), reasonFlush)...)
		}
		sh.lock.Unlock()
	}
	sortResults(results)
	return results
}

// Discard drops every open window without emitting it and returns how many were dropped.
func (e *Engine) Discard() int {
	dropped := 0
	for _, sh := range e.shards {
		sh.lock.Lock()
		for _, st := range sh.keys {
			for _, acc := range st.windows.removeAll() {
				if acc.End > st.closedBoundary {
					st.closedBoundary = acc.End
				}
				dropped++
			}
		}
		sh.lock.Unlock()
	}
	e.open.Sub(int64(dropped))
	openWindows.Sub(float64(dropped))
	return dropped
}

// Watermark returns the watermark of a key, and false if the key was never seen.
func (e *Engine) Watermark(k Key) (int64, bool) {
	sh := e.shardFor(k)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	st, ok := sh.keys[k]
	if !ok {
		return 0, false
	}
	return st.watermark, true
}

// OldestOpenWindow returns the start of the earliest open window of a key.
func (e *Engine) OldestOpenWindow(k Key) (int64, bool) {
	sh := e.shardFor(k)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	st, ok := sh.keys[k]
	if !ok || st.windows.front() == nil {
		return 0, false
	}
	return st.windows.front().Start, true
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted:    e.accepted.Load(),
		LateDropped: e.lateDropped.Load(),
		Duplicates:  e.duplicates.Load(),
		Emitted:     e.emitted.Load(),
		OpenWindows: e.open.Load(),
		Keys:        e.keys.Load(),
	}
}

// Run sweeps idle keys on every tick until ctx is done, handing the swept results to emit.
// It returns immediately when the idle sweep is disabled.
func (e *Engine) Run(ctx context.Context, emit func([]records.WindowResult)) {
	if e.opts.idleTimeout <= 0 {
		return
	}
	ticker := e.opts.clock.Ticker(e.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if results := e.Sweep(e.opts.clock.Now()); len(results) > 0 {
				emit(results)
			}
		}
	}
}

func sortResults(results []records.WindowResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].WindowEnd != results[j].WindowEnd {
			return results[i].WindowEnd < results[j].WindowEnd
		}
		if results[i].Exchange != results[j].Exchange {
			return results[i].Exchange < results[j].Exchange
		}
		return results[i].Symbol < results[j].Symbol
	})
}
