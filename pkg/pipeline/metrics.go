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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/tradewatch/pkg/metrics"
)

// alertCount is used to indicate the number of alerts raised by the detector
var alertCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "alerts_total",
	Help:      "Total number of alerts raised",
}, []string{metrics.LabelSignal})

// publishErrorCount is used to indicate the number of records that could not be handed to a publisher
var publishErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "publish_error_total",
	Help:      "Total number of records rejected by the publisher",
}, []string{metrics.LabelTopic})

// ackErrorCount is used to indicate the number of records whose delivery failed
var ackErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "ack_error_total",
	Help:      "Total number of records whose delivery failed",
}, []string{metrics.LabelTopic})

// undeliveredCount is used to indicate the number of records still in flight when shutdown gave up
var undeliveredCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "pipeline",
	Name:      "undelivered_total",
	Help:      "Total number of records not delivered before the drain timeout",
}, []string{metrics.LabelTopic})

// queueGauge is the number of trades waiting for a detect worker
var queueGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "pipeline",
	Name:      "worker_queue",
	Help:      "Number of trades queued per detect worker",
}, []string{metrics.LabelWorker})
