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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/numaproj/tradewatch/pkg/feed"
)

type options struct {
	// workers is the number of goroutines trades are routed to
	workers int
	// queueSize is the number of trades buffered per worker
	queueSize int
	// flushOnShutdown emits the open windows on shutdown instead of discarding them
	flushOnShutdown bool
	// drainTimeout bounds the wait for in flight records on shutdown
	drainTimeout time.Duration
	// requireInitialConnection fails Run when the first feed dial fails
	requireInitialConnection bool
	// ackBuffer is the number of acks waiting to be reported
	ackBuffer int
	feedOpts  []feed.Option
	detect    *DetectPipeline
	logger    *zap.SugaredLogger
}

func defaultOptions() *options {
	return &options{
		workers:      4,
		queueSize:    1024,
		drainTimeout: 10 * time.Second,
		ackBuffer:    1024,
	}
}

type Option func(*options) error

// WithWorkers sets the number of detect workers
func WithWorkers(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("workers must be positive, got %d", n)
		}
		o.workers = n
		return nil
	}
}

// WithQueueSize sets the number of trades buffered per worker
func WithQueueSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("queue size must be positive, got %d", n)
		}
		o.queueSize = n
		return nil
	}
}

// WithFlushOnShutdown emits the open windows through the detector on shutdown
func WithFlushOnShutdown(flush bool) Option {
	return func(o *options) error {
		o.flushOnShutdown = flush
		return nil
	}
}

// WithDrainTimeout sets how long shutdown waits for records in flight
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("drain timeout must not be negative, got %v", d)
		}
		o.drainTimeout = d
		return nil
	}
}

// WithRequireInitialConnection makes Run fail when the feed can not be reached at startup
func WithRequireInitialConnection(required bool) Option {
	return func(o *options) error {
		o.requireInitialConnection = required
		return nil
	}
}

// WithFeedOptions passes options to the feed listener
func WithFeedOptions(opts ...feed.Option) Option {
	return func(o *options) error {
		o.feedOpts = append(o.feedOpts, opts...)
		return nil
	}
}

// WithDetectPipeline also hands every trade read from the feed to a detect pipeline in the same process.
// The ingest pipeline then owns its lifecycle.
func WithDetectPipeline(p *DetectPipeline) Option {
	return func(o *options) error {
		o.detect = p
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}
