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

package detect

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/numaproj/tradewatch/pkg/records"
)

func window(volume, avgPrice string, count int64) records.WindowResult {
	return records.WindowResult{
		WindowStart: 1700000000000,
		WindowEnd:   1700000010000,
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Count:       count,
		Volume:      decimal.RequireFromString(volume),
		AvgPrice:    decimal.RequireFromString(avgPrice),
	}
}

func collect(d *Detector, w records.WindowResult) []records.AlertRecord {
	var alerts []records.AlertRecord
	for a := range d.Evaluate(w) {
		alerts = append(alerts, a)
	}
	return alerts
}

func TestVolumeSpike(t *testing.T) {
	rule := VolumeSpike(DefaultVolumeThreshold)
	assert.Equal(t, SignalVolumeSpike, rule.Signal())

	alert, ok := rule.Evaluate(window("1.2", "200", 3))
	require.True(t, ok)
	assert.Equal(t, records.AlertRecord{
		TS:       1700000010000,
		Symbol:   "BTCUSDT",
		Exchange: "binance",
		Signal:   "volume_spike",
		Volume:   decimal.RequireFromString("1.2"),
		AvgPrice: decimal.RequireFromString("200"),
	}, alert)

	_, ok = rule.Evaluate(window("0.5", "200", 2))
	assert.False(t, ok)
	// strictly greater
	_, ok = rule.Evaluate(window("1.0", "200", 2))
	assert.False(t, ok)
}

func TestDetector_Default(t *testing.T) {
	d := NewDetector()
	assert.Equal(t, []string{SignalVolumeSpike}, d.Rules())
	assert.Len(t, collect(d, window("1.2", "10", 3)), 1)
	assert.Empty(t, collect(d, window("0.5", "10", 2)))
}

func TestDetector_Evaluate_Restartable(t *testing.T) {
	big, err := NewExprRule("big_window", "count >= 3")
	require.NoError(t, err)
	d := NewDetector(VolumeSpike(DefaultVolumeThreshold), big)
	w := window("1.2", "10", 3)

	seq := d.Evaluate(w)
	var first, second []records.AlertRecord
	for a := range seq {
		first = append(first, a)
	}
	for a := range seq {
		second = append(second, a)
	}
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, "volume_spike", first[0].Signal)
	assert.Equal(t, "big_window", first[1].Signal)
}

func TestDetector_Evaluate_StopsEarly(t *testing.T) {
	calls := 0
	counting := ruleFunc(func(w records.WindowResult) (records.AlertRecord, bool) {
		calls++
		return records.NewAlert(w, "always"), true
	})
	d := NewDetector(counting, counting, counting)
	for range d.Evaluate(window("1", "1", 1)) {
		break
	}
	assert.Equal(t, 1, calls)
}

func TestDetector_Replace(t *testing.T) {
	d := NewDetector()
	quiet, err := NewExprRule("quiet", "count == 1")
	require.NoError(t, err)
	d.Replace(quiet)
	assert.Equal(t, []string{"quiet"}, d.Rules())
	alerts := collect(d, window("5", "1", 1))
	require.Len(t, alerts, 1)
	assert.Equal(t, "quiet", alerts[0].Signal)

	d.Replace()
	assert.Equal(t, []string{SignalVolumeSpike}, d.Rules())
}

func TestDetector_Evaluate_KeepsRulesOfTheCall(t *testing.T) {
	d := NewDetector()
	seq := d.Evaluate(window("1.2", "10", 3))
	first := 0
	for range seq {
		first++
	}
	require.Equal(t, 1, first)

	quiet, err := NewExprRule("quiet", "count == 1")
	require.NoError(t, err)
	d.Replace(quiet)

	// the sequence was built before the swap and still yields the same alerts
	var again []records.AlertRecord
	for a := range seq {
		again = append(again, a)
	}
	require.Len(t, again, 1)
	assert.Equal(t, SignalVolumeSpike, again[0].Signal)
	assert.Empty(t, collect(d, window("1.2", "10", 3)))
}

func TestNewExprRule(t *testing.T) {
	t.Run("fires", func(t *testing.T) {
		r, err := NewExprRule("btc_pump", `symbol == "BTCUSDT" && avgPrice > 100 && volume > 0.5`)
		require.NoError(t, err)
		assert.Equal(t, "btc_pump", r.Signal())
		alert, ok := r.Evaluate(window("1.2", "200", 3))
		require.True(t, ok)
		assert.Equal(t, "btc_pump", alert.Signal)
		assert.Equal(t, int64(1700000010000), alert.TS)
		_, ok = r.Evaluate(window("1.2", "50", 3))
		assert.False(t, ok)
	})

	t.Run("window bounds", func(t *testing.T) {
		r, err := NewExprRule("wide", `windowEnd - windowStart == 10000 && exchange == "binance"`)
		require.NoError(t, err)
		_, ok := r.Evaluate(window("1", "1", 1))
		assert.True(t, ok)
	})

	t.Run("no signal", func(t *testing.T) {
		_, err := NewExprRule("", "volume > 1")
		assert.Error(t, err)
	})

	t.Run("not bool", func(t *testing.T) {
		_, err := NewExprRule("bad", "volume + 1")
		assert.Error(t, err)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := NewExprRule("bad", "vwap > 1")
		assert.Error(t, err)
	})

	t.Run("runtime error", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		r, err := NewExprRule("broken", "count % (windowEnd - windowEnd) == 0", WithRuleLogger(zap.New(core).Sugar()))
		require.NoError(t, err)
		before := testutil.ToFloat64(ruleErrorCount.WithLabelValues("broken"))
		_, ok := r.Evaluate(window("1", "1", 1))
		assert.False(t, ok)
		assert.Equal(t, before+1, testutil.ToFloat64(ruleErrorCount.WithLabelValues("broken")))
		entries := logs.FilterMessage("Failed to evaluate rule").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "broken", entries[0].ContextMap()["signal"])
	})
}

type ruleFunc func(w records.WindowResult) (records.AlertRecord, bool)

func (f ruleFunc) Signal() string {
	return "always"
}

func (f ruleFunc) Evaluate(w records.WindowResult) (records.AlertRecord, bool) {
	return f(w)
}
