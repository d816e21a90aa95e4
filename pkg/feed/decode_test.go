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
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/tradewatch/pkg/records"
)

const ingest = int64(1700000000999)

func TestDecodeBinanceTrade(t *testing.T) {
	t.Run("combined stream envelope", func(t *testing.T) {
		payload := `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"37000.10","q":"0.40000000","T":1700000000050,"m":true,"M":true}}`
		tr, err := DecodeBinanceTrade([]byte(payload), ingest)
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000050), tr.EventTime)
		assert.Equal(t, ingest, tr.IngestTime)
		assert.Equal(t, "binance", tr.Exchange)
		assert.Equal(t, "BTCUSDT", tr.Symbol)
		assert.Equal(t, "12345", tr.TradeID)
		assert.Equal(t, records.SideSell, tr.Side)
		assert.True(t, decimal.RequireFromString("37000.1").Equal(tr.Price))
		assert.True(t, decimal.RequireFromString("0.4").Equal(tr.Qty))
		assert.Equal(t, "binance:BTCUSDT:12345", tr.IdempotencyKey())
	})

	t.Run("bare payload", func(t *testing.T) {
		payload := `{"e":"trade","E":1700000000100,"s":"ethusdt","t":"77","p":"2000","q":"1.5","m":false}`
		tr, err := DecodeBinanceTrade([]byte(payload), ingest)
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000100), tr.EventTime)
		assert.Equal(t, "ETHUSDT", tr.Symbol)
		assert.Equal(t, "77", tr.TradeID)
		assert.Equal(t, records.SideBuy, tr.Side)
	})

	t.Run("fallbacks", func(t *testing.T) {
		payload := `{"e":"trade","s":"BNBUSDT","a":9,"p":"300","q":"2"}`
		tr, err := DecodeBinanceTrade([]byte(payload), ingest)
		require.NoError(t, err)
		assert.Equal(t, ingest, tr.EventTime)
		assert.Equal(t, "9", tr.TradeID)
		assert.Equal(t, records.SideBuy, tr.Side)

		tr, err = DecodeBinanceTrade([]byte(`{"e":"trade","s":"BNBUSDT","p":"300","q":"2"}`), ingest)
		require.NoError(t, err)
		assert.Equal(t, "1700000000999", tr.TradeID)
	})

	t.Run("not a trade", func(t *testing.T) {
		for _, payload := range []string{
			`{"e":"aggTrade","s":"BTCUSDT","a":1,"p":"1","q":"1"}`,
			`{"result":null,"id":1}`,
			`{"stream":"btcusdt@depth","data":{"e":"depthUpdate"}}`,
		} {
			_, err := DecodeBinanceTrade([]byte(payload), ingest)
			assert.True(t, errors.Is(err, ErrNotTrade), payload)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, payload := range []string{
			`not json`,
			`["e","trade"]`,
			`{"e":"trade","p":"1","q":"1"}`,
			`{"e":"trade","s":"BTCUSDT","q":"1"}`,
			`{"e":"trade","s":"BTCUSDT","p":"abc","q":"1"}`,
			`{"e":"trade","s":"BTCUSDT","p":"1","q":"-1"}`,
			`{"e":"trade","s":"BTCUSDT","p":"1","q":"1","T":"yesterday"}`,
			`{"e":"trade","s":"BTCUSDT","p":"1","q":"1","t":1.5}`,
			`{"e":"trade","s":"BTCUSDT","p":"1","q":"1","m":"yes"}`,
			`{"e":7}`,
			`{"data":"x"}`,
		} {
			_, err := DecodeBinanceTrade([]byte(payload), ingest)
			assert.True(t, errors.Is(err, ErrMalformed), payload)
		}
	})
}
