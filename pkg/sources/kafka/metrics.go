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

package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/tradewatch/pkg/metrics"
)

// readCount is used to indicate the number of messages read
var readCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "kafka_source",
	Name:      "read_total",
	Help:      "Total number of messages Read",
}, []string{metrics.LabelTopic})

// decodeErrorCount is used to indicate the number of messages that are not valid trades
var decodeErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "kafka_source",
	Name:      "decode_error_total",
	Help:      "Total number of malformed trades skipped",
}, []string{metrics.LabelTopic})

// handleErrorCount is used to indicate the number of trades the handler failed on
var handleErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "kafka_source",
	Name:      "handle_error_total",
	Help:      "Total number of trades the handler failed to process",
}, []string{metrics.LabelTopic})

// pendingGauge is the number of messages not yet consumed by the group
var pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "kafka_source",
	Name:      "pending_total",
	Help:      "Number of pending messages",
}, []string{metrics.LabelTopic, "consumer_group"})
