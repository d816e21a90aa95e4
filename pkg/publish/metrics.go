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

package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/tradewatch/pkg/metrics"
)

// writeCount is used to indicate the number of records confirmed by the broker
var writeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "write_total",
	Help:      "Total number of records delivered",
}, []string{metrics.LabelTopic})

// deliveryErrorCount is used to indicate the number of records that could not be delivered
var deliveryErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "delivery_error_total",
	Help:      "Total number of records that failed delivery after all retries",
}, []string{metrics.LabelTopic})

// retryCount is used to indicate the number of resends after a failed delivery
var retryCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "retry_total",
	Help:      "Total number of delivery retries",
}, []string{metrics.LabelTopic})

// duplicateCount is used to indicate the number of sends skipped by idempotency key
var duplicateCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "publisher",
	Name:      "duplicate_total",
	Help:      "Total number of publish calls de-duplicated by idempotency key",
}, []string{metrics.LabelTopic})

// inflightGauge is the number of records waiting for a delivery report
var inflightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "publisher",
	Name:      "inflight",
	Help:      "Number of records in flight",
}, []string{metrics.LabelTopic})
