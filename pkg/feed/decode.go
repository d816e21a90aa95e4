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

package feed

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/numaproj/tradewatch/pkg/records"
)

// ExchangeBinance is the exchange name stamped on decoded trades.
const ExchangeBinance = "binance"

var (
	// ErrMalformed is returned for payloads that are not a valid trade event.
	ErrMalformed = errors.New("malformed trade payload")
	// ErrNotTrade is returned for well formed events of another type.
	ErrNotTrade = errors.New("not a trade event")
)

// DecodeBinanceTrade decodes a Binance trade event, bare or wrapped in a combined stream envelope.
// Times are unix milliseconds; ingestTime fills the event time and trade id when the event has none.
func DecodeBinanceTrade(payload []byte, ingestTime int64) (records.TradeRecord, error) {
	// Binance keys differ only by case (e/E, t/T, m/M) so fields are looked up by exact key
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return records.TradeRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if data, ok := fields["data"]; ok && !isNull(data) {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(data, &inner); err != nil {
			return records.TradeRecord{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		fields = inner
	}

	eventType, _, err := stringField(fields, "e")
	if err != nil {
		return records.TradeRecord{}, err
	}
	if eventType != "trade" {
		return records.TradeRecord{}, fmt.Errorf("%w: %q", ErrNotTrade, eventType)
	}

	symbol, ok, err := stringField(fields, "s")
	if err != nil {
		return records.TradeRecord{}, err
	}
	if !ok || symbol == "" {
		return records.TradeRecord{}, fmt.Errorf("%w: missing symbol", ErrMalformed)
	}
	price, err := decimalField(fields, "p")
	if err != nil {
		return records.TradeRecord{}, err
	}
	qty, err := decimalField(fields, "q")
	if err != nil {
		return records.TradeRecord{}, err
	}

	eventTime := ingestTime
	if ts, ok, err := intField(fields, "T"); err != nil {
		return records.TradeRecord{}, err
	} else if ok && ts != 0 {
		eventTime = ts
	} else if ts, ok, err := intField(fields, "E"); err != nil {
		return records.TradeRecord{}, err
	} else if ok && ts != 0 {
		eventTime = ts
	}

	tradeID, ok, err := idField(fields, "t")
	if err != nil {
		return records.TradeRecord{}, err
	}
	if !ok {
		if tradeID, _, err = idField(fields, "a"); err != nil {
			return records.TradeRecord{}, err
		}
	}

	side := records.SideBuy
	if raw, ok := fields["m"]; ok && !isNull(raw) {
		var buyerIsMaker bool
		if err := json.Unmarshal(raw, &buyerIsMaker); err != nil {
			return records.TradeRecord{}, fmt.Errorf("%w: m: %v", ErrMalformed, err)
		}
		if buyerIsMaker {
			side = records.SideSell
		}
	}

	return records.NewTrade(ExchangeBinance, symbol, tradeID, side, price, qty, eventTime, ingestTime), nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return s, true, nil
}

func intField(fields map[string]json.RawMessage, key string) (int64, bool, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return 0, false, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return n, true, nil
}

// idField reads an id sent either as a number or as a string.
func idField(fields map[string]json.RawMessage, key string) (string, bool, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		s, _, err := stringField(fields, key)
		return s, s != "", err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return n.String(), true, nil
}

func decimalField(fields map[string]json.RawMessage, key string) (decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", ErrMalformed, key)
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative %s", ErrMalformed, key)
	}
	return d, nil
}
