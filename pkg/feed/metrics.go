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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/tradewatch/pkg/metrics"
)

// messagesCount is used to indicate the number of frames read from the feed
var messagesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "feed",
	Name:      "messages_total",
	Help:      "Total number of messages read from the feed",
}, []string{metrics.LabelExchange})

// tradesCount is used to indicate the number of trades decoded from the feed
var tradesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "feed",
	Name:      "trades_total",
	Help:      "Total number of trades decoded from the feed",
}, []string{metrics.LabelExchange, metrics.LabelSymbol})

// decodeErrorCount is used to indicate the number of malformed messages dropped
var decodeErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "feed",
	Name:      "decode_error_total",
	Help:      "Total number of malformed feed messages",
}, []string{metrics.LabelExchange})

// sinkErrorCount is used to indicate the number of trades the sink failed to accept
var sinkErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "feed",
	Name:      "sink_error_total",
	Help:      "Total number of trades rejected by the sink",
}, []string{metrics.LabelExchange})

// reconnectCount is used to indicate the number of times the listener had to reconnect
var reconnectCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "feed",
	Name:      "reconnect_total",
	Help:      "Total number of reconnect attempts",
}, []string{metrics.LabelExchange})

// connectionState is the current State of the listener
var connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "feed",
	Name:      "connection_state",
	Help:      "Listener connection state (0 connecting, 1 open, 2 closing, 3 closed)",
}, []string{metrics.LabelExchange})
