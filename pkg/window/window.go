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
	"time"

	"github.com/shopspring/decimal"

	"github.com/numaproj/tradewatch/pkg/records"
)

// Key identifies an instrument.
type Key struct {
	Exchange string
	Symbol   string
}

// KeyOf returns the instrument key of a trade.
func KeyOf(t records.TradeRecord) Key {
	return Key{Exchange: t.Exchange, Symbol: t.Symbol}
}

func (k Key) String() string {
	return k.Exchange + "|" + k.Symbol
}

// WindowKey identifies one window of one instrument.
type WindowKey struct {
	Key
	Start int64
}

// Start returns the start of the window of the given size containing eventTime. Both are in milliseconds.
// Windows are half open, so a trade exactly on a boundary starts the next window.
func Start(eventTime, size int64) int64 {
	r := eventTime % size
	if r < 0 {
		r += size
	}
	return eventTime - r
}

// Accumulator holds the running aggregate of one open window.
type Accumulator struct {
	Start    int64
	End      int64
	Count    int64
	SumQty   decimal.Decimal
	SumPrice decimal.Decimal
	// trade ids already added, so that redelivered trades are counted once
	seen map[string]struct{}
}

func newAccumulator(start, end int64) *Accumulator {
	return &Accumulator{
		Start:    start,
		End:      end,
		SumQty:   decimal.Zero,
		SumPrice: decimal.Zero,
		seen:     make(map[string]struct{}),
	}
}

// add folds the trade into the aggregate. It returns false if the trade was already added.
func (a *Accumulator) add(t records.TradeRecord) bool {
	if _, ok := a.seen[t.TradeID]; ok {
		return false
	}
	a.seen[t.TradeID] = struct{}{}
	a.Count++
	a.SumQty = a.SumQty.Add(t.Qty)
	a.SumPrice = a.SumPrice.Add(t.Price)
	return true
}

// Result snapshots the aggregate as a WindowResult.
func (a *Accumulator) Result(k Key) records.WindowResult {
	avg := decimal.Zero
	if a.Count > 0 {
		avg = a.SumPrice.Div(decimal.NewFromInt(a.Count))
	}
	return records.WindowResult{
		WindowStart: a.Start,
		WindowEnd:   a.End,
		Exchange:    k.Exchange,
		Symbol:      k.Symbol,
		Count:       a.Count,
		Volume:      a.SumQty,
		AvgPrice:    avg,
	}
}

// millis converts a duration to whole milliseconds.
func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
