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

// Package records defines the immutable values that flow through the pipeline: trades read from the
// exchange feed, finalized window aggregates and the alerts raised from them, together with their
// JSON wire format.
package records

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates s as a Side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

func (s *Side) UnmarshalText(text []byte) error {
	v, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Side) MarshalText() ([]byte, error) {
	if _, err := ParseSide(string(s)); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Record is anything that can be appended to a partitioned log.
type Record interface {
	// PartitionKey routes the record; records with the same key keep their relative order.
	PartitionKey() string
	// IdempotencyKey identifies one logical send; replays with the same key are de-duplicated.
	IdempotencyKey() string
}

// TradeRecord is a normalized trade. Times are unix milliseconds.
type TradeRecord struct {
	EventTime  int64           `json:"ts"`
	IngestTime int64           `json:"ingest_ts"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	TradeID    string          `json:"trade_id"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
}

var _ Record = TradeRecord{}

// NewTrade builds a TradeRecord, upper-casing the symbol and filling a synthetic trade id derived
// from the ingest time when the feed did not provide one.
func NewTrade(exchange, symbol, tradeID string, side Side, price, qty decimal.Decimal, eventTime, ingestTime int64) TradeRecord {
	if tradeID == "" {
		tradeID = strconv.FormatInt(ingestTime, 10)
	}
	return TradeRecord{
		EventTime:  eventTime,
		IngestTime: ingestTime,
		Exchange:   exchange,
		Symbol:     strings.ToUpper(symbol),
		TradeID:    tradeID,
		Side:       side,
		Price:      price,
		Qty:        qty,
	}
}

func (t TradeRecord) PartitionKey() string {
	return t.Symbol
}

func (t TradeRecord) IdempotencyKey() string {
	return t.Exchange + ":" + t.Symbol + ":" + t.TradeID
}

// Validate checks the fields a downstream consumer relies on.
func (t TradeRecord) Validate() error {
	switch {
	case t.Exchange == "":
		return fmt.Errorf("trade has no exchange")
	case t.Symbol == "":
		return fmt.Errorf("trade has no symbol")
	case t.Symbol != strings.ToUpper(t.Symbol):
		return fmt.Errorf("trade symbol %q is not upper case", t.Symbol)
	case t.TradeID == "":
		return fmt.Errorf("trade has no trade id")
	case t.Price.IsNegative():
		return fmt.Errorf("trade %s has a negative price", t.TradeID)
	case t.Qty.IsNegative():
		return fmt.Errorf("trade %s has a negative quantity", t.TradeID)
	}
	if _, err := ParseSide(string(t.Side)); err != nil {
		return err
	}
	return nil
}

// WindowResult is the finalized aggregate of one tumbling window of one instrument.
type WindowResult struct {
	WindowStart int64
	WindowEnd   int64
	Exchange    string
	Symbol      string
	Count       int64
	// Volume is the sum of traded quantities.
	Volume decimal.Decimal
	// AvgPrice is the arithmetic mean of trade prices, not volume weighted.
	AvgPrice decimal.Decimal
}

func (w WindowResult) String() string {
	return fmt.Sprintf("%s:%s[%d,%d) count=%d volume=%s avg_price=%s",
		w.Exchange, w.Symbol, w.WindowStart, w.WindowEnd, w.Count, w.Volume, w.AvgPrice)
}

// AlertRecord is raised by a detection rule for a WindowResult. TS is the window end.
type AlertRecord struct {
	TS       int64           `json:"ts"`
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Signal   string          `json:"signal"`
	Volume   decimal.Decimal `json:"volume"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

var _ Record = AlertRecord{}

// NewAlert builds the alert of the given signal for a window.
func NewAlert(w WindowResult, signal string) AlertRecord {
	return AlertRecord{
		TS:       w.WindowEnd,
		Symbol:   w.Symbol,
		Exchange: w.Exchange,
		Signal:   signal,
		Volume:   w.Volume,
		AvgPrice: w.AvgPrice,
	}
}

func (a AlertRecord) PartitionKey() string {
	return a.Symbol
}

func (a AlertRecord) IdempotencyKey() string {
	return a.Exchange + ":" + a.Symbol + ":" + strconv.FormatInt(a.TS, 10) + ":" + a.Signal
}
