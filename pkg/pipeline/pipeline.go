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

// Package pipeline wires the feed, the publishers, the windowing engine and the detector together.
//
// The ingest pipeline reads trades from the exchange feed and publishes them to the raw trades topic.
// The detect pipeline routes trades, from the trades topic or directly from an ingest pipeline in the
// same process, to workers that own disjoint sets of instruments. Each worker feeds the windowing
// engine and publishes the alerts the detector raises for every closed window.
//
// Both pipelines shut down in the same order: stop the source, stop the workers, discard or flush the
// open windows, drain the publishers within the drain timeout and close them.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/numaproj/tradewatch/pkg/publish"
	"github.com/numaproj/tradewatch/pkg/records"
)

// ErrStopped is returned for trades handed to a pipeline that is shutting down.
var ErrStopped = errors.New("pipeline is stopped")

// Publisher sends records to a topic, see publish.Publisher.
type Publisher interface {
	Publish(ctx context.Context, rec records.Record) (*publish.Ack, error)
	Drain(timeout time.Duration) ([]records.Record, error)
	Close() error
	Topic() string
}

// Source feeds trades to a pipeline until ctx is done or it is closed.
type Source interface {
	Start(ctx context.Context) <-chan struct{}
	Close() error
}
