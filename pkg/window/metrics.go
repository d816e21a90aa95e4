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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/tradewatch/pkg/metrics"
)

// lateDroppedCount counts trades dropped because their window was already closed.
var lateDroppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "window",
	Name:      "late_dropped_total",
	Help:      "Total number of trades dropped as late",
}, []string{metrics.LabelExchange, metrics.LabelSymbol})

// duplicateCount counts trades already accumulated into their window.
var duplicateCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "window",
	Name:      "duplicate_total",
	Help:      "Total number of redelivered trades ignored by the windowing engine",
}, []string{metrics.LabelExchange, metrics.LabelSymbol})

// emittedCount counts closed windows.
var emittedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "window",
	Name:      "emitted_total",
	Help:      "Total number of window results emitted",
}, []string{metrics.LabelExchange, metrics.LabelSymbol, metrics.LabelReason})

// openWindows is the number of windows currently accumulating.
var openWindows = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "window",
	Name:      "open",
	Help:      "Number of open windows",
})
